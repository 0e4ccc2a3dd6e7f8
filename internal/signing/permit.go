package signing

import (
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const permitTypeDescriptor = "Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"

var permitTypeHash = Keccak256([]byte(permitTypeDescriptor))

// PermitDigest is the EIP-2612 digest a payer signs to grant spender a one-time
// allowance of value under separator.
func PermitDigest(separator [32]byte, owner, spender string, value int64, nonce uint64, deadline time.Time) ([32]byte, error) {
	ownerWord, err := encodeAddress(owner)
	if err != nil {
		return [32]byte{}, err
	}
	spenderWord, err := encodeAddress(spender)
	if err != nil {
		return [32]byte{}, err
	}
	structHash := Keccak256(
		permitTypeHash[:],
		ownerWord,
		spenderWord,
		encodeUint(big.NewInt(value)),
		encodeUint(new(big.Int).SetUint64(nonce)),
		encodeUint(big.NewInt(deadline.Unix())),
	)
	return Keccak256([]byte{0x19, 0x01}, separator[:], structHash[:]), nil
}

// SignPermit signs proof as its owner would and returns it with the signature set.
func SignPermit(key *secp256k1.PrivateKey, separator [32]byte, spender string, proof domain.PermitProof) (domain.PermitProof, error) {
	digest, err := PermitDigest(separator, proof.Owner, spender, proof.Amount, proof.Nonce, proof.Deadline)
	if err != nil {
		return proof, err
	}
	proof.Signature = SignDigest(key, digest)
	return proof, nil
}
