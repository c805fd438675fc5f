package provision

import (
	"fmt"
	"math/rand/v2"
)

// Word lists for generated aliases. Aliases are a human convenience, not an
// identifier: collisions are harmless.
var (
	aliasAdjectives = []string{
		"amber", "brisk", "calm", "dusty", "eager", "faint", "gentle",
		"hazy", "icy", "jolly", "keen", "lucid", "misty", "noble",
		"pale", "quiet", "rustic", "silent", "tidal", "vivid",
	}
	aliasNouns = []string{
		"basin", "cedar", "delta", "ember", "fjord", "grove", "harbor",
		"inlet", "juniper", "knoll", "lagoon", "meadow", "orchard",
		"prairie", "quarry", "ridge", "summit", "thicket", "valley",
		"willow",
	}
)

// randomAlias returns a short hyphenated phrase like "misty-ridge".
func randomAlias() string {
	adjective := aliasAdjectives[rand.IntN(len(aliasAdjectives))]
	noun := aliasNouns[rand.IntN(len(aliasNouns))]
	return fmt.Sprintf("%s-%s", adjective, noun)
}
