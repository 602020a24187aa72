// pkg/persistence/errors.go
package persistence

import (
	"fmt"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// storageErr tags a backend failure as model.ErrStorage while keeping the
// driver error in the chain for errors.As.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}
