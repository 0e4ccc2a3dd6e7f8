package signing

import (
	"encoding/binary"
	"math/big"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const (
	domainTypeDescriptor = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	intentTypeDescriptor = "PaymentIntent(bytes16 id,uint8 kind,address payer,address creator,uint256 contentId," +
		"address settlementToken,uint256 totalAmount,uint256 platformFee,uint256 operatorFee,uint256 creatorNetAmount," +
		"uint256 expectedSettlementAmount,uint256 deadline,uint256 nonce,address issuer)"
)

var (
	domainTypeHash = Keccak256([]byte(domainTypeDescriptor))
	intentTypeHash = Keccak256([]byte(intentTypeDescriptor))
)

// Domain separates digests of one deployment from every other.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// Separator hashes the domain fields.
func (d Domain) Separator() ([32]byte, error) {
	contract, err := encodeAddress(d.VerifyingContract)
	if err != nil {
		return [32]byte{}, err
	}
	name := Keccak256([]byte(d.Name))
	version := Keccak256([]byte(d.Version))
	return Keccak256(
		domainTypeHash[:],
		name[:],
		version[:],
		encodeUint(big.NewInt(d.ChainID)),
		contract,
	), nil
}

// StructHash hashes the economically material fields of an intent.
func StructHash(intent *domain.Intent) ([32]byte, error) {
	payer, err := encodeAddress(intent.Payer)
	if err != nil {
		return [32]byte{}, err
	}
	creator, err := encodeAddress(intent.Creator)
	if err != nil {
		return [32]byte{}, err
	}
	token, err := encodeAddress(intent.SettlementToken)
	if err != nil {
		return [32]byte{}, err
	}
	issuer, err := encodeAddress(intent.Issuer)
	if err != nil {
		return [32]byte{}, err
	}

	id := make([]byte, 32)
	copy(id, intent.ID[:])

	return Keccak256(
		intentTypeHash[:],
		id,
		encodeUint(big.NewInt(int64(intent.Kind))),
		payer,
		creator,
		encodeUint(new(big.Int).SetUint64(intent.ContentID)),
		token,
		encodeUint(big.NewInt(intent.TotalAmount)),
		encodeUint(big.NewInt(intent.PlatformFee)),
		encodeUint(big.NewInt(intent.OperatorFee)),
		encodeUint(big.NewInt(intent.CreatorNetAmount)),
		encodeUint(big.NewInt(intent.ExpectedSettlementAmount)),
		encodeUint(big.NewInt(intent.Deadline.Unix())),
		encodeUint(new(big.Int).SetUint64(intent.Nonce)),
		issuer,
	), nil
}

// TypedDigest is keccak256(0x19 0x01 || separator || structHash).
func TypedDigest(d Domain, intent *domain.Intent) ([32]byte, error) {
	separator, err := d.Separator()
	if err != nil {
		return [32]byte{}, err
	}
	structHash, err := StructHash(intent)
	if err != nil {
		return [32]byte{}, err
	}
	return Keccak256([]byte{0x19, 0x01}, separator[:], structHash[:]), nil
}

// DeriveIntentID is the first 16 bytes of keccak256 over the identity tuple.
func DeriveIntentID(payer, creator string, contentID uint64, kind domain.PaymentKind, nonce uint64, issuer string) (domain.IntentID, error) {
	var id domain.IntentID
	p, err := domain.AddressBytes(payer)
	if err != nil {
		return id, err
	}
	c, err := domain.AddressBytes(creator)
	if err != nil {
		return id, err
	}
	is, err := domain.AddressBytes(issuer)
	if err != nil {
		return id, err
	}

	var content, n [8]byte
	binary.BigEndian.PutUint64(content[:], contentID)
	binary.BigEndian.PutUint64(n[:], nonce)

	sum := Keccak256(p[:], c[:], content[:], []byte{byte(kind)}, n[:], is[:])
	copy(id[:], sum[:16])
	return id, nil
}

func encodeAddress(addr string) ([]byte, error) {
	b, err := domain.AddressBytes(addr)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	copy(out[12:], b[:])
	return out, nil
}

func encodeUint(v *big.Int) []byte {
	out := make([]byte, 32)
	if v.Sign() < 0 {
		return out
	}
	v.FillBytes(out)
	return out
}
