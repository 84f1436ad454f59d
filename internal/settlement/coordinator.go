// Package settlement builds, co-signs and submits the attestation
// transaction that binds a content fingerprint to its derived identity.
package settlement

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sealpost/sealpost/internal/identity"
	"github.com/sealpost/sealpost/internal/ledger/solana"
	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
)

// LedgerClient is the RPC surface the coordinator needs from the ledger.
type LedgerClient interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
	Submit(ctx context.Context, signedTx []byte) (string, error)
}

// Config carries the coordinator's collaborators and signing material.
type Config struct {
	Client LedgerClient

	// TreasuryKey is the platform funding key that pays settlement cost.
	// Accepted encodings: base58, or a JSON byte array as exported by
	// common wallet tooling. Either a 64-byte expanded key or a 32-byte
	// seed.
	TreasuryKey string

	// PriorityFeeMicroLamports tunes transaction priority. Zero omits the
	// compute budget instruction.
	PriorityFeeMicroLamports uint64

	// Submissions counts submit results. Optional.
	Submissions *prometheus.CounterVec
}

// Coordinator submits attestation transactions. Each transaction carries two
// signatures: the derived identity proves claim intent, the treasury key
// funds it so the claimant holds no balance.
type Coordinator struct {
	client      LedgerClient
	treasury    ed25519.PrivateKey
	treasuryKey solana.PublicKey
	priorityFee uint64
	submissions *prometheus.CounterVec
}

// NewCoordinator constructs a settlement coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	treasury, err := parsePrivateKey(cfg.TreasuryKey)
	if err != nil {
		return nil, err
	}
	treasuryKey, err := solana.PublicKeyFromBytes(treasury.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		client:      cfg.Client,
		treasury:    treasury,
		treasuryKey: treasuryKey,
		priorityFee: cfg.PriorityFeeMicroLamports,
		submissions: cfg.Submissions,
	}, nil
}

// MemoPayload is the immutable note recorded on the ledger for a claim.
func MemoPayload(contentFingerprint, publicIdentity string) string {
	return fmt.Sprintf("%s:%s|%s", identity.ProtocolVersion, contentFingerprint, publicIdentity)
}

// Settle builds the attestation transaction for the identity, co-signs it
// with the treasury key, and submits it. It returns the ledger reference;
// acceptance does not imply confirmation.
func (c *Coordinator) Settle(ctx context.Context, claimant identity.Identity, contentFingerprint string) (string, error) {
	if strings.TrimSpace(contentFingerprint) == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "content fingerprint is required")
	}

	claimantKey, err := solana.PublicKeyFromBytes(claimant.PublicKey)
	if err != nil {
		return "", fmt.Errorf("claimant public key: %w", err)
	}

	blockhash, err := c.client.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch blockhash: %w", err)
	}

	var instructions []solana.Instruction
	if c.priorityFee > 0 {
		instructions = append(instructions, solana.ComputeUnitPriceInstruction(c.priorityFee))
	}
	instructions = append(instructions, solana.MemoInstruction(MemoPayload(contentFingerprint, claimant.String()), claimantKey))

	tx, err := solana.BuildTransaction(blockhash, c.treasuryKey, instructions)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if err := tx.Sign(claimant.PrivateKey, c.treasury); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	wire, err := tx.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}

	reference, err := c.client.Submit(ctx, wire)
	if err != nil {
		c.count("rejected")
		return "", err
	}
	c.count("submitted")
	return reference, nil
}

func (c *Coordinator) count(result string) {
	if c.submissions != nil {
		c.submissions.WithLabelValues(result).Inc()
	}
}

// parsePrivateKey accepts a base58 string or a JSON byte array holding
// either a 64-byte expanded ed25519 key or a 32-byte seed.
func parsePrivateKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "treasury key is required")
	}

	var raw []byte
	if strings.HasPrefix(value, "[") {
		// Wallet exports are JSON number arrays; a []byte target would
		// demand base64 instead.
		var numbers []int
		if err := json.Unmarshal([]byte(value), &numbers); err != nil {
			return nil, apperrors.New(apperrors.CodeConfiguration, "treasury key array is malformed")
		}
		raw = make([]byte, len(numbers))
		for i, n := range numbers {
			if n < 0 || n > 255 {
				return nil, apperrors.New(apperrors.CodeConfiguration, "treasury key array is malformed")
			}
			raw[i] = byte(n)
		}
	} else {
		decoded, err := base58.Decode(value)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeConfiguration, "treasury key base58 is malformed")
		}
		raw = decoded
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, apperrors.New(apperrors.CodeConfiguration,
			fmt.Sprintf("treasury key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw)))
	}
}
