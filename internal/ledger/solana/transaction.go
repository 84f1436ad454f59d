// Package solana builds, signs and submits attestation transactions against
// a Solana-compatible RPC endpoint.
package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32-byte ed25519 account key.
type PublicKey [32]byte

// PublicKeyFromBase58 decodes a base58 account key.
func PublicKeyFromBase58(value string) (PublicKey, error) {
	raw, err := base58.Decode(value)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return PublicKey{}, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var key PublicKey
	copy(key[:], raw)
	return key, nil
}

// PublicKeyFromBytes copies a 32-byte key.
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	if len(raw) != 32 {
		return PublicKey{}, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var key PublicKey
	copy(key[:], raw)
	return key, nil
}

// String returns the base58 form.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

func mustPublicKey(value string) PublicKey {
	key, err := PublicKeyFromBase58(value)
	if err != nil {
		panic(err)
	}
	return key
}

// Well-known program addresses.
var (
	memoProgramID          = mustPublicKey("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	computeBudgetProgramID = mustPublicKey("ComputeBudget111111111111111111111111111111")
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	PublicKey PublicKey
	Signer    bool
	Writable  bool
}

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MemoInstruction records an immutable note payload, attested by signer.
func MemoInstruction(memo string, signer PublicKey) Instruction {
	return Instruction{
		ProgramID: memoProgramID,
		Accounts: []AccountMeta{
			{PublicKey: signer, Signer: true, Writable: false},
		},
		Data: []byte(memo),
	}
}

// ComputeUnitPriceInstruction sets the priority fee in micro-lamports.
func ComputeUnitPriceInstruction(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice discriminator
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: computeBudgetProgramID, Data: data}
}

type compiledAccount struct {
	key      PublicKey
	signer   bool
	writable bool
}

// Transaction is a compiled, signable wire transaction.
type Transaction struct {
	accounts   []compiledAccount
	message    []byte
	signatures [][]byte
}

// BuildTransaction compiles instructions into a legacy wire message. The fee
// payer is always the first account and a writable signer.
func BuildTransaction(blockhash [32]byte, feePayer PublicKey, instructions []Instruction) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("at least one instruction is required")
	}

	accounts := []compiledAccount{{key: feePayer, signer: true, writable: true}}
	upsert := func(key PublicKey, signer, writable bool) {
		for i := range accounts {
			if accounts[i].key == key {
				accounts[i].signer = accounts[i].signer || signer
				accounts[i].writable = accounts[i].writable || writable
				return
			}
		}
		accounts = append(accounts, compiledAccount{key: key, signer: signer, writable: writable})
	}
	for _, instruction := range instructions {
		for _, account := range instruction.Accounts {
			upsert(account.PublicKey, account.Signer, account.Writable)
		}
		upsert(instruction.ProgramID, false, false)
	}

	// Wire order: writable signers, readonly signers, writable non-signers,
	// readonly non-signers. The fee payer sorts first by construction.
	ordered := make([]compiledAccount, 0, len(accounts))
	for _, pick := range []func(compiledAccount) bool{
		func(a compiledAccount) bool { return a.signer && a.writable },
		func(a compiledAccount) bool { return a.signer && !a.writable },
		func(a compiledAccount) bool { return !a.signer && a.writable },
		func(a compiledAccount) bool { return !a.signer && !a.writable },
	} {
		for _, account := range accounts {
			if pick(account) {
				ordered = append(ordered, account)
			}
		}
	}

	indexOf := func(key PublicKey) (byte, error) {
		for i, account := range ordered {
			if account.key == key {
				return byte(i), nil
			}
		}
		return 0, fmt.Errorf("account %s not compiled", key)
	}

	var numSigners, numReadonlySigned, numReadonlyUnsigned byte
	for _, account := range ordered {
		switch {
		case account.signer && account.writable:
			numSigners++
		case account.signer:
			numSigners++
			numReadonlySigned++
		case !account.writable:
			numReadonlyUnsigned++
		}
	}

	var message bytes.Buffer
	message.Write([]byte{numSigners, numReadonlySigned, numReadonlyUnsigned})
	writeCompactLength(&message, len(ordered))
	for _, account := range ordered {
		message.Write(account.key[:])
	}
	message.Write(blockhash[:])
	writeCompactLength(&message, len(instructions))
	for _, instruction := range instructions {
		programIdx, err := indexOf(instruction.ProgramID)
		if err != nil {
			return nil, err
		}
		message.WriteByte(programIdx)
		writeCompactLength(&message, len(instruction.Accounts))
		for _, account := range instruction.Accounts {
			accountIdx, err := indexOf(account.PublicKey)
			if err != nil {
				return nil, err
			}
			message.WriteByte(accountIdx)
		}
		writeCompactLength(&message, len(instruction.Data))
		message.Write(instruction.Data)
	}

	return &Transaction{
		accounts:   ordered,
		message:    message.Bytes(),
		signatures: make([][]byte, numSigners),
	}, nil
}

// Message returns the compiled message bytes covered by signatures.
func (t *Transaction) Message() []byte {
	return t.message
}

// Sign applies signatures for the provided private keys. Every required
// signer slot must be covered before Serialize.
func (t *Transaction) Sign(keys ...ed25519.PrivateKey) error {
	for _, private := range keys {
		public, err := PublicKeyFromBytes(private.Public().(ed25519.PublicKey))
		if err != nil {
			return err
		}
		slot := -1
		for i := range t.signatures {
			if t.accounts[i].key == public {
				slot = i
				break
			}
		}
		if slot == -1 {
			return fmt.Errorf("key %s is not a required signer", public)
		}
		t.signatures[slot] = ed25519.Sign(private, t.message)
	}
	return nil
}

// Serialize returns the signed wire transaction.
func (t *Transaction) Serialize() ([]byte, error) {
	for i, signature := range t.signatures {
		if len(signature) != ed25519.SignatureSize {
			return nil, fmt.Errorf("missing signature for %s", t.accounts[i].key)
		}
	}

	var wire bytes.Buffer
	writeCompactLength(&wire, len(t.signatures))
	for _, signature := range t.signatures {
		wire.Write(signature)
	}
	wire.Write(t.message)
	return wire.Bytes(), nil
}

// writeCompactLength emits a compact-u16 (shortvec) length prefix.
func writeCompactLength(buf *bytes.Buffer, value int) {
	remaining := uint16(value)
	for {
		chunk := byte(remaining & 0x7F)
		remaining >>= 7
		if remaining == 0 {
			buf.WriteByte(chunk)
			return
		}
		buf.WriteByte(chunk | 0x80)
	}
}
