package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"medscan/internal/config"
	"medscan/internal/domain/models"
	"medscan/pkg/clients/fhirstore"
)

// PairFinder locates usage/device pairs for the inventory view.
type PairFinder interface {
	FindPairs(ctx context.Context, subjectRef string) []models.UsagePair
}

// Service resolves usage/device pairs through an ordered cascade of query
// strategies, tolerant of capability differences between store deployments.
type Service struct {
	store  fhirstore.Store
	cfg    config.FHIRConfig
	logger *zap.Logger
}

// NewService wires a new usage lookup service.
func NewService(store fhirstore.Store, cfg config.FHIRConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, logger: logger}
}

// FindPairs runs the strategies in order and stops at the first one that
// produces results. Query failures count as empty results for their strategy,
// so a degraded store never makes the view fail outright.
func (s *Service) FindPairs(ctx context.Context, subjectRef string) []models.UsagePair {
	strategies := []struct {
		name string
		run  func(context.Context) []models.UsagePair
	}{
		{"use-statements by subject", func(ctx context.Context) []models.UsagePair { return s.bySubject(ctx, subjectRef) }},
		{"use-statements by tag", s.byTag},
		{"device-usage resources", func(ctx context.Context) []models.UsagePair { return s.deviceUsage(ctx, subjectRef) }},
		{"registered devices only", s.devicesOnly},
	}

	for _, strategy := range strategies {
		pairs := strategy.run(ctx)
		if len(pairs) == 0 {
			continue
		}
		s.logger.Debug("usage lookup resolved",
			zap.String("strategy", strategy.name), zap.Int("pairs", len(pairs)))
		return s.hydrate(ctx, pairs)
	}

	return nil
}

// bySubject queries DeviceUseStatement scoped to the subject, retrying with
// the alternate parameter name some server dialects expect.
func (s *Service) bySubject(ctx context.Context, subjectRef string) []models.UsagePair {
	if subjectRef == "" {
		subjectRef = s.cfg.DefaultSubject
	}
	for _, param := range []string{"subject", "patient"} {
		query := fmt.Sprintf("DeviceUseStatement?%s=%s&_include=DeviceUseStatement:device",
			param, url.QueryEscape(subjectRef))
		pairs, err := s.searchPairs(ctx, query)
		if err != nil {
			s.logger.Debug("subject query failed", zap.String("param", param), zap.Error(err))
			continue
		}
		if len(pairs) > 0 {
			return pairs
		}
	}
	return nil
}

// byTag queries DeviceUseStatement scoped to the application tag.
func (s *Service) byTag(ctx context.Context) []models.UsagePair {
	query := fmt.Sprintf("DeviceUseStatement?_tag=%s&_include=DeviceUseStatement:device&_sort=-_lastUpdated",
		url.QueryEscape(s.tag()))
	pairs, err := s.searchPairs(ctx, query)
	if err != nil {
		s.logger.Debug("tag query failed", zap.Error(err))
		return nil
	}
	return pairs
}

// deviceUsage targets stores following the newer schema revision, which
// renamed the resource and dropped the automatic include.
func (s *Service) deviceUsage(ctx context.Context, subjectRef string) []models.UsagePair {
	if subjectRef == "" {
		subjectRef = s.cfg.DefaultSubject
	}
	queries := []string{
		"DeviceUsage?subject=" + url.QueryEscape(subjectRef),
		"DeviceUsage?patient=" + url.QueryEscape(subjectRef),
		"DeviceUsage?_tag=" + url.QueryEscape(s.tag()),
	}
	for _, query := range queries {
		pairs, err := s.searchPairs(ctx, query)
		if err != nil {
			s.logger.Debug("device-usage query failed", zap.String("query", query), zap.Error(err))
			continue
		}
		if len(pairs) > 0 {
			return pairs
		}
	}
	return nil
}

// devicesOnly surfaces inventory that has been registered but never consumed:
// every app-tagged device becomes a synthetic pair whose placeholder usage
// carries only the device's last-updated timestamp.
func (s *Service) devicesOnly(ctx context.Context) []models.UsagePair {
	bundle, err := s.store.Search(ctx, "Device?_tag="+url.QueryEscape(s.tag()))
	if err != nil {
		s.logger.Debug("device listing failed", zap.Error(err))
		return nil
	}

	var pairs []models.UsagePair
	for _, raw := range fhirstore.Entries(bundle) {
		var dev fhirstore.Device
		if err := json.Unmarshal(raw, &dev); err != nil || dev.ID == "" {
			continue
		}
		placeholder := fhirstore.UseStatement{
			ResourceType: "DeviceUseStatement",
			Device:       &fhirstore.Reference{Reference: fhirstore.FormatReference("Device", dev.ID)},
		}
		if dev.Meta != nil {
			placeholder.RecordedOn = dev.Meta.LastUpdated
		}
		d := dev
		pairs = append(pairs, models.UsagePair{Usage: placeholder, Device: &d})
	}
	return pairs
}

// hydrate resolves devices for pairs that came back without an inlined one.
// Individual lookup failures are tolerated; the pair keeps a nil device.
func (s *Service) hydrate(ctx context.Context, pairs []models.UsagePair) []models.UsagePair {
	for i := range pairs {
		if pairs[i].Device != nil || pairs[i].Usage.Device == nil {
			continue
		}
		ref := pairs[i].Usage.Device.Reference
		if ref == "" || strings.HasPrefix(ref, "urn:") {
			continue
		}
		raw, err := s.store.Read(ctx, ref)
		if err != nil {
			s.logger.Debug("device hydration failed", zap.String("ref", ref), zap.Error(err))
			continue
		}
		var dev fhirstore.Device
		if err := json.Unmarshal(raw, &dev); err == nil && dev.ID != "" {
			pairs[i].Device = &dev
		}
	}
	return pairs
}

// searchPairs runs one query and pairs the returned usage resources with any
// devices inlined in the same bundle.
func (s *Service) searchPairs(ctx context.Context, query string) ([]models.UsagePair, error) {
	bundle, err := s.store.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	var usages []fhirstore.UseStatement
	devices := make(map[string]*fhirstore.Device)
	for _, raw := range fhirstore.Entries(bundle) {
		switch fhirstore.ResourceType(raw) {
		case "DeviceUseStatement", "DeviceUsage":
			var u fhirstore.UseStatement
			if err := json.Unmarshal(raw, &u); err == nil {
				usages = append(usages, u)
			}
		case "Device":
			var d fhirstore.Device
			if err := json.Unmarshal(raw, &d); err == nil && d.ID != "" {
				devices[fhirstore.FormatReference("Device", d.ID)] = &d
			}
		}
	}

	pairs := make([]models.UsagePair, 0, len(usages))
	for _, u := range usages {
		var dev *fhirstore.Device
		if u.Device != nil {
			dev = devices[u.Device.Reference]
		}
		pairs = append(pairs, models.UsagePair{Usage: u, Device: dev})
	}
	return pairs, nil
}

func (s *Service) tag() string {
	return s.cfg.TagSystem + "|" + s.cfg.TagCode
}
