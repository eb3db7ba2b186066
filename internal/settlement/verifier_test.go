package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "X402-Flow/internal/errors"
)

func testRequirement(issued time.Time) Requirement {
	return Requirement{
		Scheme:    "exact",
		Asset:     "USDC",
		PayTo:     "0xprovider",
		Amount:    0.05,
		RequestID: "req-1",
		ExpiresAt: issued.Add(5 * time.Minute).UnixMilli(),
	}
}

func testProof() *Proof {
	return &Proof{
		Signature: "0xsig",
		Amount:    0.05,
		From:      "0xescrow",
		To:        "0xprovider",
		Asset:     "USDC",
		RequestID: "req-1",
	}
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	issued := time.Now()
	verifier := NewVerifier(NewMemorySignatureStore())
	if err := verifier.Verify(context.Background(), testProof(), testRequirement(issued)); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsReplayedSignature(t *testing.T) {
	issued := time.Now()
	verifier := NewVerifier(NewMemorySignatureStore())
	requirement := testRequirement(issued)
	ctx := context.Background()

	if err := verifier.Verify(ctx, testProof(), requirement); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	err := verifier.Verify(ctx, testProof(), requirement)
	if !errors.Is(err, ErrDuplicateProof) {
		t.Fatalf("second Verify() error = %v, want ErrDuplicateProof", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("duplicate proof must not be retryable")
	}
}

func TestVerifyRejectsRequestIDMismatch(t *testing.T) {
	verifier := NewVerifier(NewMemorySignatureStore())
	proof := testProof()
	proof.RequestID = "req-other"

	err := verifier.Verify(context.Background(), proof, testRequirement(time.Now()))
	if xerrors.CodeOf(err) != CodePaymentVerification {
		t.Fatalf("Verify() error = %v, want %s", err, CodePaymentVerification)
	}
}

func TestVerifyRejectsUnderpayment(t *testing.T) {
	verifier := NewVerifier(NewMemorySignatureStore())
	proof := testProof()
	proof.Amount = 0.01

	err := verifier.Verify(context.Background(), proof, testRequirement(time.Now()))
	if xerrors.CodeOf(err) != CodePaymentVerification {
		t.Fatalf("Verify() error = %v, want %s", err, CodePaymentVerification)
	}
}

func TestVerifyRejectsExpiredRequirement(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewVerifier(NewMemorySignatureStore())
	verifier.now = func() time.Time { return issued.Add(6 * time.Minute) }

	err := verifier.Verify(context.Background(), testProof(), testRequirement(issued))
	if xerrors.CodeOf(err) != CodePaymentVerification {
		t.Fatalf("Verify() error = %v, want %s", err, CodePaymentVerification)
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	verifier := NewVerifier(NewMemorySignatureStore())
	proof := testProof()
	proof.Signature = ""

	if err := verifier.Verify(context.Background(), proof, testRequirement(time.Now())); err == nil {
		t.Fatal("Verify() accepted a proof without signature")
	}
}

func TestSignatureStoreAddIsOneShot(t *testing.T) {
	store := NewMemorySignatureStore()
	ctx := context.Background()

	accepted, err := store.Add(ctx, "0xsig", time.Minute)
	if err != nil || !accepted {
		t.Fatalf("first Add() = (%v, %v), want (true, nil)", accepted, err)
	}
	accepted, err = store.Add(ctx, "0xsig", time.Minute)
	if err != nil || accepted {
		t.Fatalf("second Add() = (%v, %v), want (false, nil)", accepted, err)
	}
	has, err := store.Has(ctx, "0xsig")
	if err != nil || !has {
		t.Fatalf("Has() = (%v, %v), want (true, nil)", has, err)
	}
}
