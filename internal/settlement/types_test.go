package settlement

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRequirementUnmarshalCanonicalFields(t *testing.T) {
	payload := []byte(`{
		"scheme": "exact",
		"network": "base-sepolia",
		"asset": "USDC",
		"payTo": "0xprovider",
		"amount": 0.05,
		"requestId": "req-1",
		"expiresAt": 1700000000000
	}`)
	var requirement Requirement
	if err := json.Unmarshal(payload, &requirement); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if requirement.PayTo != "0xprovider" || requirement.Asset != "USDC" {
		t.Fatalf("requirement = %+v", requirement)
	}
	if requirement.Amount != 0.05 || requirement.RequestID != "req-1" {
		t.Fatalf("requirement = %+v", requirement)
	}
	if err := requirement.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestRequirementUnmarshalAlternateSpelling(t *testing.T) {
	payload := []byte(`{
		"amount": "0.05",
		"recipient": "0xprovider",
		"currency": "USDC",
		"nonce": "req-2",
		"expiresAt": 1700000000000
	}`)
	var requirement Requirement
	if err := json.Unmarshal(payload, &requirement); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if requirement.PayTo != "0xprovider" {
		t.Fatalf("PayTo = %s, want recipient value", requirement.PayTo)
	}
	if requirement.Asset != "USDC" {
		t.Fatalf("Asset = %s, want currency value", requirement.Asset)
	}
	if requirement.RequestID != "req-2" {
		t.Fatalf("RequestID = %s, want nonce value", requirement.RequestID)
	}
	if requirement.Amount != 0.05 {
		t.Fatalf("Amount = %f, want string amount parsed as 0.05", requirement.Amount)
	}
}

func TestRequirementValidateRejectsMissingFields(t *testing.T) {
	cases := []Requirement{
		{PayTo: "0xprovider", RequestID: "r"},
		{Amount: 1, RequestID: "r"},
		{Amount: 1, PayTo: "0xprovider"},
	}
	for i, requirement := range cases {
		if err := requirement.Validate(); err == nil {
			t.Fatalf("case %d: Validate() accepted incomplete requirement %+v", i, requirement)
		}
	}
}

func TestRequirementExpired(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	requirement := Requirement{ExpiresAt: issued.Add(5 * time.Minute).UnixMilli()}

	if requirement.Expired(issued.Add(4 * time.Minute)) {
		t.Fatal("requirement expired before its deadline")
	}
	if !requirement.Expired(issued.Add(6 * time.Minute)) {
		t.Fatal("requirement still valid 6 minutes after issuance")
	}
}

func TestProofHeaderRoundTrip(t *testing.T) {
	proof := Proof{
		Signature: "0xsig",
		Amount:    0.05,
		From:      "0xescrow",
		To:        "0xprovider",
		Asset:     "USDC",
		RequestID: "req-1",
		Timestamp: time.Now().UnixMilli(),
	}
	header, err := EncodeProof(proof)
	if err != nil {
		t.Fatalf("EncodeProof() error = %v", err)
	}
	decoded, err := DecodeProof(header)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if *decoded != proof {
		t.Fatalf("decoded = %+v, want %+v", decoded, proof)
	}
}

func TestDecodeProofAcceptsRawJSON(t *testing.T) {
	decoded, err := DecodeProof(`{"signature":"0xsig","amount":0.05,"requestId":"req-1"}`)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if decoded.Signature != "0xsig" || decoded.RequestID != "req-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestIssuerMintsUniqueRequestIDs(t *testing.T) {
	issuer := NewIssuer("0xprovider", "USDC", "base-sepolia", time.Minute)
	first := issuer.Issue(0.01)
	second := issuer.Issue(0.01)
	if first.RequestID == "" || first.RequestID == second.RequestID {
		t.Fatalf("request ids not unique: %q vs %q", first.RequestID, second.RequestID)
	}
	if first.Scheme != "exact" || first.PayTo != "0xprovider" {
		t.Fatalf("requirement = %+v", first)
	}
	if first.ExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("expiresAt %d not in the future", first.ExpiresAt)
	}
}
