package provider

import "testing"

func TestValidateParts(t *testing.T) {
	ok := []Part{
		{Type: PartText, Text: "notes"},
		{Type: PartImage, MediaType: "image/jpeg", Data: "Zm9v"},
	}
	if err := ValidateParts(ok); err != nil {
		t.Errorf("valid parts rejected: %v", err)
	}

	bad := []Part{
		{Type: PartText, Text: "notes"},
		{Type: "video", Data: "Zm9v"},
	}
	if err := ValidateParts(bad); err == nil {
		t.Error("unrecognized part kind must be rejected, not dropped")
	}
}
