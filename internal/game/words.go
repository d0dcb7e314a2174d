package game

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// WordSource supplies secret words.
type WordSource interface {
	// Next returns a word other than previous whenever more than one word exists.
	Next(previous string) string
}

// DefaultWords is used when no word bank file is configured.
var DefaultWords = []string{
	"apple", "banana", "bicycle", "bridge", "butterfly", "cactus", "camera",
	"candle", "castle", "cloud", "compass", "dinosaur", "dragon", "elephant",
	"envelope", "feather", "fireworks", "giraffe", "guitar", "hammer",
	"helicopter", "igloo", "jellyfish", "kangaroo", "ladder", "lighthouse",
	"mermaid", "moustache", "octopus", "owl", "parachute", "penguin", "pirate",
	"pizza", "rainbow", "robot", "rocket", "sandwich", "scissors", "snowman",
	"spider", "submarine", "sunflower", "telescope", "tornado", "umbrella",
	"volcano", "waterfall", "windmill", "zebra",
}

// Vocabulary is a fixed, deduplicated word list with uniform selection.
type Vocabulary struct {
	words []string
	mu    sync.Mutex
	rng   *rand.Rand
}

func NewVocabulary(words []string) (*Vocabulary, error) {
	seed := uint64(time.Now().UnixNano())
	return NewSeededVocabulary(words, seed)
}

func NewSeededVocabulary(words []string, seed uint64) (*Vocabulary, error) {
	seen := make(map[string]struct{}, len(words))
	uniq := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		uniq = append(uniq, w)
	}
	if len(uniq) == 0 {
		return nil, errors.New("vocabulary is empty")
	}
	return &Vocabulary{
		words: uniq,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (v *Vocabulary) Len() int { return len(v.words) }

// Next draws uniformly. If the draw hits previous it re-draws among the other
// n-1 words, which keeps the result uniform over everything but previous.
func (v *Vocabulary) Next(previous string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.words)
	i := v.rng.IntN(n)
	if n > 1 && v.words[i] == previous {
		i = (i + 1 + v.rng.IntN(n-1)) % n
	}
	return v.words[i]
}
