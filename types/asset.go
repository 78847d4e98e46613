package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strings"
)

type (
	// BlockAsset is module specific data attached to the block by the generator.
	BlockAsset struct {
		_      struct{} `cbor:",toarray"`
		Module string   `json:"module"`
		Data   Bytes    `json:"data"`
	}

	BlockAssets []*BlockAsset
)

func (a *BlockAsset) Key() []byte {
	h := sha256.Sum256([]byte(a.Module))
	return h[:]
}

func (a *BlockAsset) Value() []byte {
	h := sha256.Sum256(a.Data)
	return h[:]
}

// GetAsset returns data of the module's asset, nil when module has no asset in the block.
func (as BlockAssets) GetAsset(module string) []byte {
	for _, a := range as {
		if a.Module == module {
			return a.Data
		}
	}
	return nil
}

// SetAsset adds or replaces the asset of the module keeping the list sorted.
func (as *BlockAssets) SetAsset(module string, data []byte) {
	idx, found := slices.BinarySearchFunc(*as, module, func(a *BlockAsset, m string) int { return strings.Compare(a.Module, m) })
	if found {
		(*as)[idx].Data = data
		return
	}
	*as = slices.Insert(*as, idx, &BlockAsset{Module: module, Data: data})
}

// IsValid checks that assets are sorted by module name and there is at most one asset per module.
func (as BlockAssets) IsValid() error {
	for i, a := range as {
		if a == nil {
			return errors.New("block asset is nil")
		}
		if a.Module == "" {
			return fmt.Errorf("asset %d: %w", i, errModuleMissing)
		}
		if i > 0 && strings.Compare(as[i-1].Module, a.Module) >= 0 {
			return fmt.Errorf("assets are not sorted by module name or module %q has multiple assets", a.Module)
		}
	}
	return nil
}
