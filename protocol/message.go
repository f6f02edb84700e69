package protocol

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const messageHeader = "TeoCoin gas-free request"

// MessageFields are the logical inputs of a canonical message.
type MessageFields struct {
	Operation       OperationType
	Signer          common.Address
	Counterparty    *common.Address
	ReferenceID     string
	DiscountPercent uint8
	Amount          *big.Int
	Nonce           uint64
	Deadline        time.Time
}

// CanonicalMessage is the exact byte string a wallet personal-signs and the
// relay reconstructs.
type CanonicalMessage []byte

func (m CanonicalMessage) String() string { return string(m) }

// Hash returns the EIP-191 personal message digest of m.
func (m CanonicalMessage) Hash() common.Hash {
	return common.BytesToHash(accounts.TextHash(m))
}

// BuildMessage encodes f in the fixed line order. Addresses are written in
// checksum form so any casing of the same input produces identical bytes.
func BuildMessage(f MessageFields) (CanonicalMessage, error) {
	if !f.Operation.Valid() {
		return nil, fmt.Errorf("%w: operation", ErrMissingRequiredField)
	}
	if f.Signer == (common.Address{}) {
		return nil, fmt.Errorf("%w: signer", ErrMissingRequiredField)
	}
	if f.Amount == nil || f.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be a positive integer in base units")
	}
	if f.Deadline.IsZero() {
		return nil, fmt.Errorf("%w: deadline", ErrMissingRequiredField)
	}

	lines := []string{
		messageHeader,
		"action: " + f.Operation.Discriminator(),
		"signer: " + f.Signer.Hex(),
	}
	if f.Operation == DiscountRedemption {
		if f.Counterparty == nil {
			return nil, fmt.Errorf("%w: teacher address", ErrMissingRequiredField)
		}
		ref := strings.TrimSpace(f.ReferenceID)
		if ref == "" {
			return nil, fmt.Errorf("%w: course id", ErrMissingRequiredField)
		}
		if f.DiscountPercent == 0 || f.DiscountPercent > 100 {
			return nil, fmt.Errorf("discount percent %d out of range", f.DiscountPercent)
		}
		lines = append(lines,
			"counterparty: "+f.Counterparty.Hex(),
			"reference: "+ref,
			"percent: "+strconv.Itoa(int(f.DiscountPercent)),
		)
	}
	lines = append(lines,
		"amount: "+f.Amount.String(),
		"nonce: "+strconv.FormatUint(f.Nonce, 10),
		"deadline: "+strconv.FormatInt(f.Deadline.Unix(), 10),
	)
	return CanonicalMessage(strings.Join(lines, "\n")), nil
}

// DecodeSignature parses a 65 byte r||s||v signature, with or without 0x,
// and normalizes v to 0/1.
func DecodeSignature(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sigHex, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidSignature)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	if raw[crypto.RecoveryIDOffset] > 1 {
		return nil, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	return raw, nil
}

// EncodeSignature renders sig with v in the 27/28 form wallets return.
func EncodeSignature(sig []byte) string {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) == crypto.SignatureLength && out[crypto.RecoveryIDOffset] < 27 {
		out[crypto.RecoveryIDOffset] += 27
	}
	return "0x" + hex.EncodeToString(out)
}

// RecoverSigner returns the address that personal-signed msg.
func RecoverSigner(msg CanonicalMessage, sigHex string) (common.Address, error) {
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(msg.Hash().Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sigHex over msg was produced by want.
func VerifySignature(msg CanonicalMessage, sigHex string, want common.Address) error {
	got, err := RecoverSigner(msg, sigHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrInvalidSignature, got.Hex(), want.Hex())
	}
	return nil
}

// Verify checks the request signature against its own fields.
func (r *SignedOperationRequest) Verify() error {
	msg, err := r.Message()
	if err != nil {
		return err
	}
	return VerifySignature(msg, r.Signature, r.Signer)
}
