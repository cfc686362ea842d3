package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinels_Distinct(t *testing.T) {
	sentinels := []error{
		ErrCryptoNotReady,
		ErrRoomNotFound,
		ErrNoBackup,
		ErrPassphraseRequired,
		ErrInvalidToken,
		ErrAPIRequest,
		ErrAPIResponse,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}

			assert.NotErrorIs(t, a, b)
		}
	}
}

func TestSentinels_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("starting sync: %w", ErrCryptoNotReady)
	assert.True(t, errors.Is(wrapped, ErrCryptoNotReady))

	doubleWrapped := fmt.Errorf("run: %w", wrapped)
	assert.True(t, errors.Is(doubleWrapped, ErrCryptoNotReady))
}
