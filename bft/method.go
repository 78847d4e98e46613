package bft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/corechain-org/corechain/cbor"
	"github.com/corechain-org/corechain/consensus/forkchoice"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/types"
)

var (
	keyVotes     = []byte{0x00}
	prefixParams = byte(0x01)
)

var ErrParametersNotFound = errors.New("BFT parameters not found")

type (
	// Reader is the bft module's (read only) sub-store of the state.
	Reader interface {
		GetWithSchema(key []byte, v any) error
		Iterate(opts state.IterateOptions) ([]state.KV, error)
	}

	Writer interface {
		Reader
		SetWithSchema(key []byte, v any) error
		Del(key []byte) error
	}

	/*
		Method is the API other modules and the consensus use to access the BFT
		state. All the methods expect the bft module's sub-store, see ModuleStore.
	*/
	Method struct {
		maxLengthBlockBFTInfos int
	}

	// paramsCache resolves parameters by height, loaded once for a block.
	paramsCache struct {
		heights []uint64 // ascending
		params  []*Parameters
	}
)

// ModuleStore returns the sub-store of the bft module.
func ModuleStore(root *state.Store) *state.Store {
	return root.GetStore(ModuleID, nil)
}

func paramsKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixParams}, height)
}

func (m Method) GetVotes(store Reader) (*Votes, error) {
	votes := &Votes{}
	if err := store.GetWithSchema(keyVotes, votes); err != nil {
		return nil, fmt.Errorf("reading BFT votes: %w", err)
	}
	return votes, nil
}

func (m Method) setVotes(store Writer, votes *Votes) error {
	if err := store.SetWithSchema(keyVotes, votes); err != nil {
		return fmt.Errorf("storing BFT votes: %w", err)
	}
	return nil
}

func (m Method) GetBFTHeights(store Reader) (Heights, error) {
	votes, err := m.GetVotes(store)
	if err != nil {
		return Heights{}, err
	}
	return votes.Heights(), nil
}

// GetBFTParameters returns parameters in effect at "height".
func (m Method) GetBFTParameters(store Reader, height uint64) (*Parameters, error) {
	kvs, err := store.Iterate(state.IterateOptions{Gte: paramsKey(0), Lte: paramsKey(height), Limit: 1, Reverse: true})
	if err != nil {
		return nil, fmt.Errorf("reading BFT parameters: %w", err)
	}
	if len(kvs) == 0 {
		return nil, fmt.Errorf("%w for height %d", ErrParametersNotFound, height)
	}
	return decodeParams(kvs[0])
}

// NextHeightBFTParameters returns the lowest height above "height" where new parameters take effect.
func (m Method) NextHeightBFTParameters(store Reader, height uint64) (uint64, error) {
	if height == ^uint64(0) {
		return 0, fmt.Errorf("%w above height %d", ErrParametersNotFound, height)
	}
	kvs, err := store.Iterate(state.IterateOptions{Gte: paramsKey(height + 1), Lte: paramsKey(^uint64(0)), Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("reading BFT parameters: %w", err)
	}
	if len(kvs) == 0 {
		return 0, fmt.Errorf("%w above height %d", ErrParametersNotFound, height)
	}
	return binary.BigEndian.Uint64(kvs[0].Key[1:]), nil
}

/*
SetBFTParameters stores parameters which take effect at "height" and updates
the active validators vote info.
*/
func (m Method) SetBFTParameters(store Writer, height uint64, params *Parameters) error {
	if err := params.IsValid(); err != nil {
		return fmt.Errorf("invalid BFT parameters: %w", err)
	}
	if err := store.SetWithSchema(paramsKey(height), params); err != nil {
		return fmt.Errorf("storing BFT parameters: %w", err)
	}
	votes, err := m.GetVotes(store)
	if err != nil {
		return err
	}
	votes.updateActiveValidators(params, height)
	return m.setVotes(store, votes)
}

/*
IsHeaderContradictingChain returns true when the generator of the header has
generated a block in the recent chain which contradicts the header.
*/
func (m Method) IsHeaderContradictingChain(store Reader, header *types.BlockHeader) (bool, error) {
	votes, err := m.GetVotes(store)
	if err != nil {
		return false, err
	}
	hi := headerBFTInfo(header)
	for _, info := range votes.BlockBFTInfos {
		if slices.Equal(info.GeneratorAddress, header.GeneratorAddress) {
			return areDistinctHeadersContradicting(info, hi), nil
		}
	}
	return false, nil
}

/*
ImpliesMaximalPrevotes returns true when the header (not yet applied) implies
prevotes for all the heights since the previous block of its generator.
*/
func (m Method) ImpliesMaximalPrevotes(store Reader, header *types.BlockHeader) (bool, error) {
	votes, err := m.GetVotes(store)
	if err != nil {
		return false, err
	}
	prev := header.MaxHeightGenerated
	if prev >= header.Height {
		return false, nil
	}
	offset := header.Height - prev
	if offset > uint64(len(votes.BlockBFTInfos)) {
		return true, nil
	}
	return slices.Equal(votes.BlockBFTInfos[offset-1].GeneratorAddress, header.GeneratorAddress), nil
}

/*
GetGeneratorAtTimestamp returns the validator scheduled to generate block in
the slot of "ts". Generators rotate round-robin over the validators (sorted
by address) of the parameters in effect at "height".
*/
func (m Method) GetGeneratorAtTimestamp(store Reader, height uint64, slots forkchoice.Slots, ts uint64) (*Validator, error) {
	params, err := m.GetBFTParameters(store, height)
	if err != nil {
		return nil, err
	}
	return GeneratorAtSlot(params, slots.SlotNumber(ts)), nil
}

func GeneratorAtSlot(params *Parameters, slot uint64) *Validator {
	return params.Validators[slot%uint64(len(params.Validators))]
}

/*
applyHeader inserts the header into the vote bookkeeping and
updates the BFT heights.
*/
func (m Method) applyHeader(store Writer, header *types.BlockHeader) error {
	votes, err := m.GetVotes(store)
	if err != nil {
		return err
	}
	cache, err := loadParams(store)
	if err != nil {
		return err
	}

	votes.insertBlockBFTInfo(header, m.maxLength())
	if err := votes.updatePrevotesPrecommits(cache); err != nil {
		return fmt.Errorf("updating prevotes and precommits: %w", err)
	}
	if err := votes.updateMaxHeightPrevoted(cache); err != nil {
		return fmt.Errorf("updating max height prevoted: %w", err)
	}
	if err := votes.updateMaxHeightPrecommitted(cache); err != nil {
		return fmt.Errorf("updating max height precommitted: %w", err)
	}
	votes.updateMaxHeightCertified(header)

	if err := m.setVotes(store, votes); err != nil {
		return err
	}
	return m.pruneParams(store, cache, votes)
}

/*
pruneParams deletes parameters which are not in effect for any height the
vote bookkeeping refers to.
*/
func (m Method) pruneParams(store Writer, cache *paramsCache, votes *Votes) error {
	if len(votes.BlockBFTInfos) == 0 {
		return nil
	}
	minHeight := min(votes.BlockBFTInfos[len(votes.BlockBFTInfos)-1].Height, votes.MaxHeightCertified+1)
	for i := 0; i+1 < len(cache.heights) && cache.heights[i+1] <= minHeight; i++ {
		if err := store.Del(paramsKey(cache.heights[i])); err != nil {
			return fmt.Errorf("deleting BFT parameters of height %d: %w", cache.heights[i], err)
		}
	}
	return nil
}

func (m Method) maxLength() int {
	if m.maxLengthBlockBFTInfos <= 0 {
		return 3 * defaultBatchSize
	}
	return m.maxLengthBlockBFTInfos
}

func loadParams(store Reader) (*paramsCache, error) {
	kvs, err := store.Iterate(state.IterateOptions{Gte: paramsKey(0), Lte: paramsKey(^uint64(0))})
	if err != nil {
		return nil, fmt.Errorf("reading BFT parameters: %w", err)
	}
	c := &paramsCache{}
	for _, kv := range kvs {
		p, err := decodeParams(kv)
		if err != nil {
			return nil, err
		}
		c.heights = append(c.heights, binary.BigEndian.Uint64(kv.Key[1:]))
		c.params = append(c.params, p)
	}
	return c, nil
}

func (c *paramsCache) get(height uint64) (*Parameters, error) {
	idx, found := slices.BinarySearch(c.heights, height)
	if !found {
		idx--
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w for height %d", ErrParametersNotFound, height)
	}
	return c.params[idx], nil
}

func decodeParams(kv state.KV) (*Parameters, error) {
	p := &Parameters{}
	if err := cbor.Unmarshal(kv.Value, p); err != nil {
		return nil, fmt.Errorf("decoding BFT parameters %X: %w", kv.Key, err)
	}
	return p, nil
}
