package engine

import (
	"fmt"
	"math/rand"
)

var nameAdjectives = []string{
	"amber", "bold", "bright", "calm", "clever", "coral", "crimson", "eager",
	"gentle", "golden", "happy", "icy", "jolly", "keen", "lively", "lucky",
	"mellow", "misty", "neat", "noble", "quiet", "rapid", "rustic", "silver",
	"snowy", "sunny", "swift", "tidy", "vivid", "wild",
}

var nameNouns = []string{
	"badger", "brook", "canyon", "cedar", "comet", "dune", "falcon", "fern",
	"glacier", "harbor", "heron", "lagoon", "lantern", "maple", "meadow",
	"nebula", "orchid", "otter", "pebble", "pine", "prairie", "raven",
	"reef", "ridge", "river", "sparrow", "summit", "thicket", "tundra", "wren",
}

// generateName returns a readable two-word project name like "misty-harbor".
func generateName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}
