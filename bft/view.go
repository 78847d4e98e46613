package bft

import (
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/types"
)

/*
View gives read access to the BFT state of the store returned by the
"store" callback. Every call reads the current content of the store, ie
when callback returns the committed state the view follows the chain.
*/
type View struct {
	method Method
	store  func() Reader
}

func NewView(method Method, store func() Reader) *View {
	return &View{method: method, store: store}
}

func (v *View) GetBFTHeights() (Heights, error) {
	return v.method.GetBFTHeights(v.store())
}

func (v *View) GetBFTParameters(height uint64) (*Parameters, error) {
	return v.method.GetBFTParameters(v.store(), height)
}

func (v *View) NextHeightBFTParameters(height uint64) (uint64, error) {
	return v.method.NextHeightBFTParameters(v.store(), height)
}

func (v *View) GetGeneratorAtTimestamp(height uint64, slots forkchoice.Slots, ts uint64) (*Validator, error) {
	return v.method.GetGeneratorAtTimestamp(v.store(), height, slots, ts)
}

func (v *View) IsHeaderContradictingChain(header *types.BlockHeader) (bool, error) {
	return v.method.IsHeaderContradictingChain(v.store(), header)
}

func (v *View) ImpliesMaximalPrevotes(header *types.BlockHeader) (bool, error) {
	return v.method.ImpliesMaximalPrevotes(v.store(), header)
}
