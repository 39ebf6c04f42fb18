package main

import "testing"

func TestIsAlphanumeric(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"letters", "acme", true},
		{"digits", "12345", true},
		{"mixed", "acme123", true},
		{"underscore rejected", "acme_corp", false},
		{"hyphen rejected", "acme-corp", false},
		{"space rejected", "acme corp", false},
		{"sql injection attempt", "acme; DROP SCHEMA tenant_default", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAlphanumeric(tc.in); got != tc.want {
				t.Errorf("isAlphanumeric(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestIsSchemaIdent(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"simple", "tenant_default", true},
		{"leading digit rejected", "1tenant", false},
		{"underscore allowed", "tenant_acme_corp", true},
		{"space rejected", "tenant default", false},
		{"semicolon rejected", "tenant_default; DROP TABLE x", false},
		{"quote rejected", "tenant_default'", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSchemaIdent(tc.in); got != tc.want {
				t.Errorf("isSchemaIdent(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
