package entitlement

import (
	"testing"
	"time"

	"github.com/propmarket/promotions/internal/models"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func isTier(serviceType string) bool {
	switch serviceType {
	case models.ServiceVIP, models.ServiceVIPPlus, models.ServiceSuperVIP:
		return true
	}
	return false
}

func TestNextExpiry(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		name    string
		current *models.ServiceEntitlement
		want    time.Time
	}{
		{"new", nil, t0.Add(3 * day)},
		{"active extends from expiry", &models.ServiceEntitlement{IsActive: true, ExpiresAt: t0.Add(5 * day)}, t0.Add(8 * day)},
		{"lapsed starts from now", &models.ServiceEntitlement{IsActive: true, ExpiresAt: t0.Add(-day)}, t0.Add(3 * day)},
		{"inactive starts from now", &models.ServiceEntitlement{IsActive: false, ExpiresAt: t0.Add(5 * day)}, t0.Add(3 * day)},
	}
	for _, tc := range cases {
		if got := NextExpiry(t0, tc.current, 3); !got.Equal(tc.want) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestPlanReplacesDifferentTierAndExtendsSameTier(t *testing.T) {
	day := 24 * time.Hour
	current := []models.ServiceEntitlement{
		{ID: 1, ServiceType: models.ServiceVIP, IsActive: true, ExpiresAt: t0.Add(4 * day)},
		{ID: 2, ServiceType: models.ServiceColor, IsActive: true, ExpiresAt: t0.Add(2 * day)},
	}

	upgrade := Plan(current, []Grant{{ServiceType: models.ServiceSuperVIP, Days: 5, VIPTier: true}}, isTier, t0)
	if upgrade[0].ReplacedTier != models.ServiceVIP {
		t.Fatalf("expected vip to be replaced, got %q", upgrade[0].ReplacedTier)
	}
	if !upgrade[0].ExpiresAt.Equal(t0.Add(5 * day)) {
		t.Fatalf("replacement tier must start from now, got %s", upgrade[0].ExpiresAt)
	}

	extend := Plan(current, []Grant{
		{ServiceType: models.ServiceVIP, Days: 5, VIPTier: true},
		{ServiceType: models.ServiceColor, Days: 1, Params: "#FF0000"},
	}, isTier, t0)
	if extend[0].ReplacedTier != "" || !extend[0].ExpiresAt.Equal(t0.Add(9*day)) {
		t.Fatalf("same tier should extend, got %+v", extend[0])
	}
	if extend[0].PreviousExpiresAt == nil || !extend[0].PreviousExpiresAt.Equal(t0.Add(4*day)) {
		t.Fatalf("expected previous expiry to be recorded, got %v", extend[0].PreviousExpiresAt)
	}
	if !extend[1].ExpiresAt.Equal(t0.Add(3 * day)) {
		t.Fatalf("color should extend from its expiry, got %s", extend[1].ExpiresAt)
	}
}

func TestPlanIgnoresExpiredTier(t *testing.T) {
	current := []models.ServiceEntitlement{
		{ID: 1, ServiceType: models.ServiceVIP, IsActive: true, ExpiresAt: t0.Add(-time.Hour)},
	}
	changes := Plan(current, []Grant{{ServiceType: models.ServiceVIPPlus, Days: 2, VIPTier: true}}, isTier, t0)
	if changes[0].ReplacedTier != "" {
		t.Fatalf("lapsed tier must not count as replaced, got %q", changes[0].ReplacedTier)
	}
}
