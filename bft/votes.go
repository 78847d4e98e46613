package bft

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"github.com/corechain-org/corechain/types"
)

type (
	// Heights are the BFT properties of the chain tip.
	Heights struct {
		MaxHeightPrevoted     uint64 `json:"maxHeightPrevoted,string"`
		MaxHeightPrecommitted uint64 `json:"maxHeightPrecommitted,string"`
		MaxHeightCertified    uint64 `json:"maxHeightCertified,string"`
	}

	BlockBFTInfo struct {
		_                  struct{} `cbor:",toarray"`
		Height             uint64
		GeneratorAddress   []byte
		MaxHeightGenerated uint64
		MaxHeightPrevoted  uint64
		PrevoteWeight      uint64
		PrecommitWeight    uint64
	}

	ActiveValidatorVoteInfo struct {
		_                      struct{} `cbor:",toarray"`
		Address                []byte
		MinActiveHeight        uint64
		LargestHeightPrecommit uint64
	}

	/*
		Votes is the BFT vote bookkeeping stored in the state. BlockBFTInfos are
		ordered newest first, ActiveValidatorsVoteInfo by address.
	*/
	Votes struct {
		_                        struct{} `cbor:",toarray"`
		MaxHeightPrevoted        uint64
		MaxHeightPrecommitted    uint64
		MaxHeightCertified       uint64
		BlockBFTInfos            []*BlockBFTInfo
		ActiveValidatorsVoteInfo []*ActiveValidatorVoteInfo
	}

	paramsGetter interface {
		get(height uint64) (*Parameters, error)
	}
)

func (v *Votes) Heights() Heights {
	return Heights{
		MaxHeightPrevoted:     v.MaxHeightPrevoted,
		MaxHeightPrecommitted: v.MaxHeightPrecommitted,
		MaxHeightCertified:    v.MaxHeightCertified,
	}
}

func headerBFTInfo(h *types.BlockHeader) *BlockBFTInfo {
	return &BlockBFTInfo{
		Height:             h.Height,
		GeneratorAddress:   h.GeneratorAddress,
		MaxHeightGenerated: h.MaxHeightGenerated,
		MaxHeightPrevoted:  h.MaxHeightPrevoted,
	}
}

// insertBlockBFTInfo adds header as the newest block info and drops the oldest ones over maxLength.
func (v *Votes) insertBlockBFTInfo(h *types.BlockHeader, maxLength int) {
	v.BlockBFTInfos = slices.Insert(v.BlockBFTInfos, 0, headerBFTInfo(h))
	if len(v.BlockBFTInfos) > maxLength {
		v.BlockBFTInfos = v.BlockBFTInfos[:maxLength]
	}
}

func (v *Votes) voteInfo(address []byte) *ActiveValidatorVoteInfo {
	for _, vi := range v.ActiveValidatorsVoteInfo {
		if bytes.Equal(vi.Address, address) {
			return vi
		}
	}
	return nil
}

/*
heightNotPrevoted returns the height up to which the generator of the newest
block didn't (implicitly) prevote for the current chain, ie the last height
where the generator's chain of blocks (linked via maxHeightGenerated) leaves
the current chain.
*/
func (v *Votes) heightNotPrevoted() uint64 {
	newest := v.BlockBFTInfos[0]
	current := newest.Height
	prev := newest.MaxHeightGenerated

	for current-prev < uint64(len(v.BlockBFTInfos)) {
		info := v.BlockBFTInfos[current-prev]
		if !bytes.Equal(info.GeneratorAddress, newest.GeneratorAddress) || info.MaxHeightGenerated >= prev {
			return prev
		}
		prev = info.MaxHeightGenerated
	}
	if l := uint64(len(v.BlockBFTInfos)); current >= l {
		return max(prev, current-l)
	}
	return prev
}

/*
updatePrevotesPrecommits adds the precommits and prevotes implied by the newest
block (which must be already inserted with insertBlockBFTInfo).
*/
func (v *Votes) updatePrevotesPrecommits(params paramsGetter) error {
	if len(v.BlockBFTInfos) == 0 {
		return nil
	}
	newest := v.BlockBFTInfos[0]
	// block doesn't imply any votes
	if newest.MaxHeightGenerated >= newest.Height {
		return nil
	}
	vi := v.voteInfo(newest.GeneratorAddress)
	if vi == nil {
		return nil
	}

	minPrecommitHeight := max(vi.MinActiveHeight, v.heightNotPrevoted()+1, vi.LargestHeightPrecommit+1)
	for i := len(v.BlockBFTInfos) - 1; i > 0; i-- {
		info := v.BlockBFTInfos[i]
		if info.Height < minPrecommitHeight {
			continue
		}
		p, err := params.get(info.Height)
		if err != nil {
			return err
		}
		if info.PrevoteWeight < p.PrevoteThreshold {
			continue
		}
		validator, _ := p.Validator(newest.GeneratorAddress)
		if validator == nil {
			return fmt.Errorf("generator %X is not a validator at height %d", newest.GeneratorAddress, info.Height)
		}
		if info.PrecommitWeight, err = addWeight(info.PrecommitWeight, validator.BFTWeight); err != nil {
			return fmt.Errorf("precommit weight of height %d: %w", info.Height, err)
		}
		vi.LargestHeightPrecommit = max(vi.LargestHeightPrecommit, info.Height)
	}

	minPrevoteHeight := max(newest.MaxHeightGenerated+1, vi.MinActiveHeight)
	for _, info := range v.BlockBFTInfos {
		if info.Height < minPrevoteHeight {
			break
		}
		p, err := params.get(info.Height)
		if err != nil {
			return err
		}
		validator, _ := p.Validator(newest.GeneratorAddress)
		if validator == nil {
			return fmt.Errorf("generator %X is not a validator at height %d", newest.GeneratorAddress, info.Height)
		}
		if info.PrevoteWeight, err = addWeight(info.PrevoteWeight, validator.BFTWeight); err != nil {
			return fmt.Errorf("prevote weight of height %d: %w", info.Height, err)
		}
	}
	return nil
}

func (v *Votes) updateMaxHeightPrevoted(params paramsGetter) error {
	for _, info := range v.BlockBFTInfos {
		p, err := params.get(info.Height)
		if err != nil {
			return err
		}
		if info.PrevoteWeight >= p.PrevoteThreshold {
			v.MaxHeightPrevoted = info.Height
			return nil
		}
	}
	return nil
}

func (v *Votes) updateMaxHeightPrecommitted(params paramsGetter) error {
	for _, info := range v.BlockBFTInfos {
		p, err := params.get(info.Height)
		if err != nil {
			return err
		}
		if info.PrecommitWeight >= p.PrecommitThreshold {
			v.MaxHeightPrecommitted = info.Height
			return nil
		}
	}
	return nil
}

// updateMaxHeightCertified assumes the aggregate commit of the header has been verified.
func (v *Votes) updateMaxHeightCertified(h *types.BlockHeader) {
	if h.AggregateCommit == nil || h.AggregateCommit.IsEmpty() {
		return
	}
	v.MaxHeightCertified = max(v.MaxHeightCertified, h.AggregateCommit.Height)
}

/*
updateActiveValidators replaces active validators vote info with the
validators of "p". Validators which were already active keep their info,
new validators become active at "height".
*/
func (v *Votes) updateActiveValidators(p *Parameters, height uint64) {
	var infos []*ActiveValidatorVoteInfo
	for _, val := range p.Validators {
		if val.BFTWeight == 0 {
			continue
		}
		if vi := v.voteInfo(val.Address); vi != nil {
			infos = append(infos, vi)
			continue
		}
		infos = append(infos, &ActiveValidatorVoteInfo{
			Address:                slices.Clone(val.Address),
			MinActiveHeight:        height,
			LargestHeightPrecommit: height - 1,
		})
	}
	slices.SortFunc(infos, func(a, b *ActiveValidatorVoteInfo) int { return bytes.Compare(a.Address, b.Address) })
	v.ActiveValidatorsVoteInfo = infos
}

/*
areDistinctHeadersContradicting returns true when the same validator generated
both blocks in a way that violates the fork choice or disjointness rules.
*/
func areDistinctHeadersContradicting(b1, b2 *BlockBFTInfo) bool {
	earlier, later := b1, b2
	if earlier.MaxHeightPrevoted > later.MaxHeightPrevoted ||
		(earlier.MaxHeightPrevoted == later.MaxHeightPrevoted && earlier.Height > later.Height) {
		earlier, later = later, earlier
	}
	if !bytes.Equal(earlier.GeneratorAddress, later.GeneratorAddress) {
		return false
	}
	// validator moved to different chain without larger maxHeightPrevoted or height as justification
	if earlier.MaxHeightPrevoted == later.MaxHeightPrevoted && earlier.Height >= later.Height {
		return true
	}
	// disjointness
	if earlier.Height > later.MaxHeightGenerated {
		return true
	}
	// validator must choose the chain with the longest prevote
	return earlier.MaxHeightPrevoted > later.MaxHeightPrevoted
}

func addWeight(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, fmt.Errorf("weight overflow: %d + %d", a, b)
	}
	return sum.Uint64(), nil
}
