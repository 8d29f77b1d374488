package schema

import "testing"

func TestValidatorAcceptsWellFormedPayloads(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name    string
		payload string
	}{
		{HospitalRegister, `{"name":"City General","location":"Pune","contact":"+91-99999"}`},
		{RecordUpload, `{"title":"MRI scan","contentCid":"bafybeigdyrzt5","doctorName":"Dr. Rao"}`},
		{RequestCreate, `{"name":"Knee surgery","deadline":4102444800,"hospitalWallet":"0x2222222222222222222222222222222222222222","goalAmount":50000,"recordCids":["bafybeigdyrzt5"]}`},
		{Donate, `{"patient":"0x1111111111111111111111111111111111111111","amount":500}`},
	}
	for _, tt := range tests {
		if err := v.Validate(tt.name, []byte(tt.payload)); err != nil {
			t.Errorf("Validate(%s) rejected well-formed payload: %v", tt.name, err)
		}
	}
}

func TestValidatorRejectsBadPayloads(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		desc    string
		schema  string
		payload string
	}{
		{"hospital missing location", HospitalRegister, `{"name":"City General"}`},
		{"hospital empty name", HospitalRegister, `{"name":"","location":"Pune"}`},
		{"record missing cid", RecordUpload, `{"title":"MRI scan"}`},
		{"request bad wallet", RequestCreate, `{"name":"x","deadline":1,"hospitalWallet":"not-a-wallet","goalAmount":1}`},
		{"request zero goal", RequestCreate, `{"name":"x","deadline":1,"hospitalWallet":"0x2222222222222222222222222222222222222222","goalAmount":0}`},
		{"donate zero amount", Donate, `{"patient":"0x1111111111111111111111111111111111111111","amount":0}`},
		{"donate missing patient", Donate, `{"amount":100}`},
		{"not json", Donate, `{"amount":`},
	}
	for _, tt := range tests {
		if err := v.Validate(tt.schema, []byte(tt.payload)); err == nil {
			t.Errorf("%s: expected validation error", tt.desc)
		}
	}
}

func TestValidatorRejectsUnknownPayloadType(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate("fund.unknown", []byte(`{}`)); err == nil {
		t.Error("expected error for unsupported payload type")
	}
}
