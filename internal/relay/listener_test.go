package relay

import (
	"net"
	"regexp"
	"testing"
)

func TestCheckAdmissionEmptyPasswordDisallowed(t *testing.T) {
	err := checkAdmission(AdmissionPolicy{PasswordConfigured: false, AllowEmptyPassword: false}, 0, net.ParseIP("127.0.0.1"), "")
	if err == nil {
		t.Fatal("expected rejection for empty password with allow_empty_password disabled")
	}
}

func TestCheckAdmissionAllowsEmptyWhenPermitted(t *testing.T) {
	err := checkAdmission(AdmissionPolicy{PasswordConfigured: false, AllowEmptyPassword: true}, 0, net.ParseIP("127.0.0.1"), "")
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestCheckAdmissionTOTPRequiresPassword(t *testing.T) {
	err := checkAdmission(AdmissionPolicy{PasswordConfigured: false, AllowEmptyPassword: true, TOTPConfigured: true}, 0, net.ParseIP("127.0.0.1"), "")
	if err == nil {
		t.Fatal("expected rejection: TOTP configured but password empty")
	}
}

func TestCheckAdmissionMaxClients(t *testing.T) {
	policy := AdmissionPolicy{PasswordConfigured: true, MaxClients: 2}
	if err := checkAdmission(policy, 1, net.ParseIP("127.0.0.1"), ""); err != nil {
		t.Fatalf("unexpected rejection below max: %v", err)
	}
	if err := checkAdmission(policy, 2, net.ParseIP("127.0.0.1"), ""); err == nil {
		t.Fatal("expected rejection at max_clients")
	}
}

func TestCheckAdmissionAllowedIPs(t *testing.T) {
	policy := AdmissionPolicy{PasswordConfigured: true, AllowedIPs: regexp.MustCompile(`^10\.`)}
	if err := checkAdmission(policy, 0, net.ParseIP("10.0.0.5"), ""); err != nil {
		t.Fatalf("unexpected rejection for allowed ip: %v", err)
	}
	if err := checkAdmission(policy, 0, net.ParseIP("192.168.0.5"), ""); err == nil {
		t.Fatal("expected rejection for disallowed ip")
	}
}

func TestCheckAdmissionSkipsIPCheckForUnix(t *testing.T) {
	policy := AdmissionPolicy{PasswordConfigured: true, AllowedIPs: regexp.MustCompile(`^10\.`)}
	if err := checkAdmission(policy, 0, nil, "/run/relay.sock"); err != nil {
		t.Fatalf("unix peers should skip the allowed-ips check: %v", err)
	}
}

func TestNormalizePeerIPStripsV4MappedPrefix(t *testing.T) {
	ip := net.ParseIP("::ffff:192.0.2.1")
	if got := normalizePeerIP(ip); got != "192.0.2.1" {
		t.Fatalf("unexpected normalized ip: %s", got)
	}
}
