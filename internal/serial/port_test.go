package serial

import "testing"

func TestConfigValidate(t *testing.T) {
	if err := Defaults.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"badBaud", func(c *Config) { c.Baud = 0 }},
		{"badDataBits", func(c *Config) { c.DataBits = 9 }},
		{"badStopBits", func(c *Config) { c.StopBits = 3 }},
		{"badParity", func(c *Config) { c.Parity = "sometimes" }},
	}
	for _, tc := range tests {
		c := Defaults
		tc.mod(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestOpenMissingDevice(t *testing.T) {
	c := Defaults
	c.Name = "/dev/does-not-exist-gnss"
	if p, err := Open(c); err == nil {
		_ = p.Close()
		t.Fatalf("expected error opening missing device")
	}
}
