package allocation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newTokenID produces an id of the form token_<unixMs>_<9-char-base36>, or
// emergency_<unixMs>_<9-char-base36> for emergency insertions. Collisions
// are vanishingly unlikely but callers should retry Create on a unique-
// constraint violation with a fresh id.
func newTokenID(prefix string, now time.Time) (string, error) {
	suffix, err := randomBase36(9)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix), nil
}

func randomBase36(n int) (string, error) {
	buf := make([]byte, n)
	base := big.NewInt(int64(len(base36Alphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("generating random id suffix: %w", err)
		}
		buf[i] = base36Alphabet[idx.Int64()]
	}
	return string(buf), nil
}
