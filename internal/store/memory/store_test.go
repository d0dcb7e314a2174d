package memory

import (
	"testing"

	"github.com/brenelz/pictionary/internal/game"
	"github.com/brenelz/pictionary/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) game.Backend {
		return New()
	})
}
