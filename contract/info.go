package contract

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/txbuilder"
	"golang.org/x/sync/errgroup"
)

// AdaptorRange maps one way of attesting to an outcome to the CET it
// unlocks and the adaptor signature encrypted for it.
type AdaptorRange struct {
	// CetIndex is the index of the CET in DlcTransactions.Cets.
	CetIndex int

	// AdaptorIndex is the index of the adaptor signature in the flat
	// signature list spanning all outcome spaces.
	AdaptorIndex int

	// OracleIndices are the oracles whose attestations are required,
	// indices into the outcome space's announcements.
	OracleIndices []int

	// Outcomes are the outcomes each of those oracles must attest to.
	Outcomes []string
}

// AdaptorInfo is the lookup table of one outcome space. It is built once
// and never modified.
type AdaptorInfo struct {
	Ranges []AdaptorRange
}

// ContractInfo is one outcome space of a contract: a payout function and
// the oracles attesting to it.
type ContractInfo struct {
	Descriptor    payout.Descriptor
	Announcements []*oracle.Announcement
	Threshold     int
}

// Validate checks the announcements and their compatibility with the
// descriptor.
func (c *ContractInfo) Validate() error {
	if len(c.Announcements) == 0 {
		return fmt.Errorf("%w: no oracle announcements",
			ErrInvalidParameters)
	}
	if c.Threshold == 0 || c.Threshold > len(c.Announcements) {
		return fmt.Errorf("%w: threshold %d with %d oracles",
			ErrInvalidParameters, c.Threshold,
			len(c.Announcements))
	}

	for i, ann := range c.Announcements {
		if err := ann.Validate(); err != nil {
			return fmt.Errorf("%w: announcement %d: %v",
				ErrInvalidParameters, i, err)
		}

		if err := checkDescriptor(c.Descriptor, ann); err != nil {
			return err
		}
	}

	return nil
}

func checkDescriptor(d payout.Descriptor, ann *oracle.Announcement) error {
	switch desc := d.(type) {
	case *payout.EnumDescriptor:
		event, ok := ann.Event.Descriptor.(*oracle.EnumEvent)
		if !ok {
			return fmt.Errorf("%w: enum payouts over a non enum "+
				"event", ErrInvalidParameters)
		}

		outcomes := make(map[string]struct{}, len(event.Outcomes))
		for _, o := range event.Outcomes {
			outcomes[o] = struct{}{}
		}
		for _, o := range desc.Outcomes {
			if _, ok := outcomes[o.Outcome]; !ok {
				return fmt.Errorf("%w: outcome %q not in event "+
					"%s", ErrInvalidParameters, o.Outcome,
					ann.Event.EventID)
			}
		}

	case *payout.NumericalDescriptor:
		event, ok := ann.Event.Descriptor.(*oracle.DigitEvent)
		if !ok {
			return fmt.Errorf("%w: numerical payouts over a non "+
				"digit event", ErrInvalidParameters)
		}
		if uint64(event.Base) != desc.Base ||
			int(event.NbDigits) != desc.NbDigits {

			return fmt.Errorf("%w: descriptor base %d/%d digits, "+
				"event base %d/%d digits", ErrInvalidParameters,
				desc.Base, desc.NbDigits, event.Base,
				event.NbDigits)
		}

	default:
		return fmt.Errorf("%w: unknown descriptor %T",
			ErrInvalidParameters, d)
	}

	return nil
}

// Payouts returns the payouts of the outcome space, checking they
// distribute totalCollateral.
func (c *ContractInfo) Payouts(totalCollateral btcutil.Amount) (
	[]payout.Payout, error) {

	if err := c.Descriptor.Validate(totalCollateral); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	return c.Descriptor.Payouts(), nil
}

// OracleKeys returns the x-only oracle keys of the announcements.
func (c *ContractInfo) OracleKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(c.Announcements))
	for i, ann := range c.Announcements {
		keys[i] = ann.OraclePublicKey
	}

	return keys
}

// adaptorPoints lists every range of the outcome space with its encryption
// point: each outcome path combined with each threshold sized subset of the
// oracles, in that order.
func (c *ContractInfo) adaptorPoints(cetOffset, adaptorOffset int) (
	[]AdaptorRange, []*btcec.PublicKey, error) {

	paths, err := c.Descriptor.Paths()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	combos := combinations(len(c.Announcements), c.Threshold)

	var (
		ranges []AdaptorRange
		points []*btcec.PublicKey
	)
	for _, path := range paths {
		for _, combo := range combos {
			oraclePoints := make([]*btcec.PublicKey, 0, len(combo))
			for _, idx := range combo {
				ann := c.Announcements[idx]
				point, err := oracle.OutcomePoint(
					ann.OraclePublicKey, ann.Event.Nonces,
					path.Outcomes,
				)
				if err != nil {
					return nil, nil, err
				}
				oraclePoints = append(oraclePoints, point)
			}

			point, err := oracle.AddPoints(oraclePoints...)
			if err != nil {
				return nil, nil, err
			}

			ranges = append(ranges, AdaptorRange{
				CetIndex:      cetOffset + path.CetIndex,
				AdaptorIndex:  adaptorOffset + len(points),
				OracleIndices: combo,
				Outcomes:      path.Outcomes,
			})
			points = append(points, point)
		}
	}

	return ranges, points, nil
}

// GenerateAdaptorInfo creates one adaptor signature per range of the outcome
// space. cets are the outcome space's own CETs, cetOffset their position in
// the full CET list and adaptorOffset the number of adaptor signatures of
// previous outcome spaces.
func (c *ContractInfo) GenerateAdaptorInfo(priv *btcec.PrivateKey,
	fundingScript []byte, fundValue btcutil.Amount, cets []*wire.MsgTx,
	cetOffset, adaptorOffset int) (*AdaptorInfo, []*adaptor.Signature,
	error) {

	ranges, points, err := c.adaptorPoints(cetOffset, adaptorOffset)
	if err != nil {
		return nil, nil, err
	}

	sigs, err := signRanges(
		priv, fundingScript, fundValue, cets, cetOffset, ranges, points,
	)
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("Generated %d adaptor signatures for CETs [%d, %d), "+
		"adaptor offset %d", len(sigs), cetOffset,
		cetOffset+len(cets), adaptorOffset)

	return &AdaptorInfo{Ranges: ranges}, sigs, nil
}

// AdaptorSignatures creates the adaptor signatures of an existing adaptor
// info, in the order of its ranges.
func (c *ContractInfo) AdaptorSignatures(priv *btcec.PrivateKey,
	fundingScript []byte, fundValue btcutil.Amount, cets []*wire.MsgTx,
	cetOffset int, info *AdaptorInfo) ([]*adaptor.Signature, error) {

	if len(info.Ranges) == 0 {
		return nil, fmt.Errorf("%w: empty adaptor info", ErrInvalidState)
	}

	ranges, points, err := c.adaptorPoints(
		cetOffset, info.Ranges[0].AdaptorIndex,
	)
	if err != nil {
		return nil, err
	}
	if len(ranges) != len(info.Ranges) {
		return nil, fmt.Errorf("%w: adaptor info has %d ranges, "+
			"expected %d", ErrInvalidState, len(info.Ranges),
			len(ranges))
	}

	return signRanges(
		priv, fundingScript, fundValue, cets, cetOffset, info.Ranges,
		points,
	)
}

func signRanges(priv *btcec.PrivateKey, fundingScript []byte,
	fundValue btcutil.Amount, cets []*wire.MsgTx, cetOffset int,
	ranges []AdaptorRange, points []*btcec.PublicKey) ([]*adaptor.Signature,
	error) {

	sigHashes, err := cetSigHashes(cets, fundingScript, fundValue)
	if err != nil {
		return nil, err
	}

	sigs := make([]*adaptor.Signature, len(ranges))

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i := range ranges {
		eg.Go(func() error {
			cetIdx := ranges[i].CetIndex - cetOffset
			if cetIdx < 0 || cetIdx >= len(sigHashes) {
				return fmt.Errorf("%w: cet index %d out of "+
					"range", ErrInvalidState,
					ranges[i].CetIndex)
			}

			sig, err := adaptor.EncryptedSign(
				priv, points[i], sigHashes[cetIdx],
			)
			if err != nil {
				return err
			}
			sigs[i] = sig

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return sigs, nil
}

// VerifyAndGetAdaptorInfo rebuilds the outcome space's adaptor info and
// verifies the counterparty's signatures for it, which start at
// adaptorOffset in sigs. It returns the index of the next unused signature.
func (c *ContractInfo) VerifyAndGetAdaptorInfo(pub *btcec.PublicKey,
	fundingScript []byte, fundValue btcutil.Amount, cets []*wire.MsgTx,
	sigs []*adaptor.Signature, cetOffset, adaptorOffset int) (*AdaptorInfo,
	int, error) {

	ranges, points, err := c.adaptorPoints(cetOffset, adaptorOffset)
	if err != nil {
		return nil, 0, err
	}

	info := &AdaptorInfo{Ranges: ranges}
	next, err := verifyRanges(
		pub, fundingScript, fundValue, cets, sigs, cetOffset, info,
		points,
	)
	if err != nil {
		return nil, 0, err
	}

	return info, next, nil
}

// VerifyAdaptorInfo verifies the counterparty's signatures against an
// existing adaptor info and returns the index of the next unused signature.
func (c *ContractInfo) VerifyAdaptorInfo(pub *btcec.PublicKey,
	fundingScript []byte, fundValue btcutil.Amount, cets []*wire.MsgTx,
	sigs []*adaptor.Signature, cetOffset int,
	info *AdaptorInfo) (int, error) {

	if len(info.Ranges) == 0 {
		return 0, fmt.Errorf("%w: empty adaptor info", ErrInvalidState)
	}

	ranges, points, err := c.adaptorPoints(
		cetOffset, info.Ranges[0].AdaptorIndex,
	)
	if err != nil {
		return 0, err
	}
	if len(ranges) != len(info.Ranges) {
		return 0, fmt.Errorf("%w: adaptor info has %d ranges, "+
			"expected %d", ErrInvalidState, len(info.Ranges),
			len(ranges))
	}

	return verifyRanges(
		pub, fundingScript, fundValue, cets, sigs, cetOffset, info,
		points,
	)
}

func verifyRanges(pub *btcec.PublicKey, fundingScript []byte,
	fundValue btcutil.Amount, cets []*wire.MsgTx, sigs []*adaptor.Signature,
	cetOffset int, info *AdaptorInfo, points []*btcec.PublicKey) (int,
	error) {

	sigHashes, err := cetSigHashes(cets, fundingScript, fundValue)
	if err != nil {
		return 0, err
	}

	var next int
	if len(info.Ranges) > 0 {
		last := info.Ranges[len(info.Ranges)-1]
		next = last.AdaptorIndex + 1
	}
	if next > len(sigs) {
		return 0, fmt.Errorf("%w: expected at least %d adaptor "+
			"signatures, got %d", adaptor.ErrInvalidSignature, next,
			len(sigs))
	}

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i := range info.Ranges {
		r := info.Ranges[i]
		point := points[i]
		eg.Go(func() error {
			cetIdx := r.CetIndex - cetOffset
			if cetIdx < 0 || cetIdx >= len(sigHashes) {
				return fmt.Errorf("%w: cet index %d out of "+
					"range", ErrInvalidState, r.CetIndex)
			}

			sig := sigs[r.AdaptorIndex]
			if sig == nil {
				return adaptor.ErrInvalidSignature
			}

			err := sig.Verify(pub, point, sigHashes[cetIdx])
			if err != nil {
				return fmt.Errorf("adaptor signature %d for cet "+
					"%d: %w", r.AdaptorIndex, r.CetIndex,
					err)
			}

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	return next, nil
}

// AdaptorSignatureCount returns the number of adaptor signatures the
// outcome space needs.
func (c *ContractInfo) AdaptorSignatureCount() (int, error) {
	paths, err := c.Descriptor.Paths()
	if err != nil {
		return 0, err
	}

	return len(paths) * len(combinations(
		len(c.Announcements), c.Threshold,
	)), nil
}

// RangeForAttestations returns the range unlocked by the attestations along
// with the decryption key of its adaptor signature. Attestations are matched
// to the outcome space's oracles by public key and validated.
func (c *ContractInfo) RangeForAttestations(info *AdaptorInfo,
	attestations []*oracle.Attestation) (*AdaptorRange,
	*btcec.ModNScalar, error) {

	byOracle := make(map[int]*oracle.Attestation)
	for _, att := range attestations {
		if att == nil || att.OraclePublicKey == nil {
			continue
		}
		for i, ann := range c.Announcements {
			if !bytes.Equal(
				schnorr.SerializePubKey(ann.OraclePublicKey),
				schnorr.SerializePubKey(att.OraclePublicKey),
			) {

				continue
			}
			if err := att.Validate(ann); err != nil {
				return nil, nil, err
			}
			byOracle[i] = att
		}
	}

	for i := range info.Ranges {
		r := &info.Ranges[i]
		if !rangeMatches(r, byOracle) {
			continue
		}

		var secret btcec.ModNScalar
		for _, idx := range r.OracleIndices {
			s, err := byOracle[idx].Secret(len(r.Outcomes))
			if err != nil {
				return nil, nil, err
			}
			secret.Add(&s)
		}

		return r, &secret, nil
	}

	return nil, nil, fmt.Errorf("%w: no range matches the attestations",
		ErrInvalidParameters)
}

func rangeMatches(r *AdaptorRange, atts map[int]*oracle.Attestation) bool {
	for _, idx := range r.OracleIndices {
		att, ok := atts[idx]
		if !ok || len(att.Outcomes) < len(r.Outcomes) {
			return false
		}
		for j, outcome := range r.Outcomes {
			if att.Outcomes[j] != outcome {
				return false
			}
		}
	}

	return true
}

func cetSigHashes(cets []*wire.MsgTx, fundingScript []byte,
	fundValue btcutil.Amount) ([][]byte, error) {

	sigHashes := make([][]byte, len(cets))
	for i, cet := range cets {
		sigHash, err := txbuilder.WitnessSigHash(
			cet, 0, fundingScript, fundValue,
		)
		if err != nil {
			return nil, err
		}
		sigHashes[i] = sigHash
	}

	return sigHashes, nil
}

// combinations returns all k sized subsets of [0, n) in lexicographic order.
func combinations(n, k int) [][]int {
	if k <= 0 || k > n {
		return nil
	}

	var (
		result [][]int
		combo  = make([]int, k)
	)
	for i := range combo {
		combo[i] = i
	}

	for {
		result = append(result, append([]int(nil), combo...))

		i := k - 1
		for i >= 0 && combo[i] == n-k+i {
			i--
		}
		if i < 0 {
			return result
		}

		combo[i]++
		for j := i + 1; j < k; j++ {
			combo[j] = combo[j-1] + 1
		}
	}
}
