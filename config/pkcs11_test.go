package config

import "testing"

func TestPKCS11ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PKCS11Config
		wantErr bool
	}{
		{"key label", PKCS11Config{Module: "/lib/softhsm2.so", KeyLabel: "signer"}, false},
		{"cert label", PKCS11Config{Module: "/lib/softhsm2.so", CertLabel: "signer"}, false},
		{"no module", PKCS11Config{KeyLabel: "signer"}, true},
		{"no labels", PKCS11Config{Module: "/lib/softhsm2.so"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPKCS11ConfigLabelDefaults(t *testing.T) {
	c := &PKCS11Config{Module: "m", CertLabel: "cert"}
	if got := c.GetKeyLabel(); got != "cert" {
		t.Errorf("GetKeyLabel() = %q, want cert", got)
	}
	c = &PKCS11Config{Module: "m", KeyLabel: "key", TokenLabel: "token", UserPIN: "0000"}
	k := c.Keys()
	if k.CertLabel != "key" || k.KeyLabel != "key" || k.TokenLabel != "token" || k.UserPIN != "0000" || k.Module != "m" {
		t.Errorf("Keys() = %+v", k)
	}
}
