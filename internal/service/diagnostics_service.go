package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/account-aggregator/internal/adapter"
	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/logging"
	"github.com/account-aggregator/internal/models"
	"github.com/account-aggregator/internal/storage"
	"github.com/account-aggregator/internal/types"
)

// SessionStore interface for troubleshooting session persistence
type SessionStore interface {
	Get(ctx context.Context, userID string) (*storage.Session, error)
	Save(ctx context.Context, userID string, session *storage.Session) error
	Delete(ctx context.Context, userID string) error
}

// DiagnosticsService probes provider connections, synthesizes Issues with
// candidate repair actions, and persists the resulting report as the
// user's troubleshooting session.
type DiagnosticsService struct {
	adapters map[types.Provider]adapter.ProviderAdapter
	creds    CredentialStore
	sessions SessionStore

	probeTimeout  time.Duration
	probeInterval time.Duration
	now           func() time.Time
	newID         func() string
}

// DiagnosticsOptions tunes probe timing.
type DiagnosticsOptions struct {
	// ProbeTimeout bounds one provider status probe.
	ProbeTimeout time.Duration
	// ProbeInterval drives the background poller; zero disables it.
	ProbeInterval time.Duration
}

// NewDiagnosticsService creates a new diagnostics service
func NewDiagnosticsService(
	adapters map[types.Provider]adapter.ProviderAdapter,
	creds CredentialStore,
	sessions SessionStore,
	opts DiagnosticsOptions,
) *DiagnosticsService {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &DiagnosticsService{
		adapters:      adapters,
		creds:         creds,
		sessions:      sessions,
		probeTimeout:  opts.ProbeTimeout,
		probeInterval: opts.ProbeInterval,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// probeResult is the classified outcome of probing one provider.
type probeResult struct {
	provider         types.Provider
	kind             apperrors.ErrorKind
	affectedAccounts []string
}

// RunDiagnostics executes one full probe cycle for a user: each provider's
// status check runs once, failures are classified and grouped into Issues
// by (provider, kind), and the report replaces the previous one in the
// troubleshooting session. Health is recomputed from scratch each cycle,
// so a connection that stops failing reads healthy again.
func (s *DiagnosticsService) RunDiagnostics(ctx context.Context, userID string) (*models.DiagnosticReport, error) {
	log := logging.FromContext(ctx)
	detectedAt := s.now().UTC()

	var results []*probeResult
	for _, provider := range types.Providers() {
		adp, ok := s.adapters[provider]
		if !ok {
			continue
		}
		result := s.probeProvider(ctx, userID, provider, adp)
		if result == nil {
			continue
		}
		if result.kind == apperrors.KindRateLimited {
			// Transient and self-resolving; surfacing it would only
			// prompt the user to act on something that needs waiting.
			log.WithField("provider", string(provider)).Debug("rate-limited probe, no issue surfaced")
			continue
		}
		results = append(results, result)
	}

	report := &models.DiagnosticReport{
		UserID:          userID,
		OverallHealth:   models.HealthHealthy,
		Issues:          []*models.Issue{},
		Recommendations: []string{},
		GeneratedAt:     detectedAt,
	}
	for _, result := range results {
		issue := s.buildIssue(result, detectedAt)
		report.Issues = append(report.Issues, issue)
		if rec := recommendation(result.kind, result.provider); rec != "" {
			report.Recommendations = append(report.Recommendations, rec)
		}
	}
	report.OverallHealth = overallHealth(report.Issues)

	session := &storage.Session{
		Report:           report,
		AbandonedActions: map[string]bool{},
		UpdatedAt:        detectedAt,
	}
	if existing, err := s.sessions.Get(ctx, userID); err == nil && existing.AbandonedActions != nil {
		session.AbandonedActions = existing.AbandonedActions
	}
	if err := s.sessions.Save(ctx, userID, session); err != nil {
		return nil, fmt.Errorf("saving diagnostic session: %w", err)
	}
	return report, nil
}

// GetReport returns the current troubleshooting session's report, running
// a fresh probe cycle when no session exists yet.
func (s *DiagnosticsService) GetReport(ctx context.Context, userID string) (*models.DiagnosticReport, error) {
	session, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return s.RunDiagnostics(ctx, userID)
		}
		return nil, err
	}
	return session.Report, nil
}

// probeProvider runs one provider's status check. It returns nil when the
// connection is healthy and a classified result otherwise. A missing
// credential set is reported as a NotRegistered finding rather than an
// error, since registering is itself the remediation.
func (s *DiagnosticsService) probeProvider(ctx context.Context, userID string, provider types.Provider, adp adapter.ProviderAdapter) *probeResult {
	creds, err := s.creds.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialsNotFound) {
			return &probeResult{provider: provider, kind: apperrors.KindNotRegistered}
		}
		logging.FromContext(ctx).WithError(err).WithField("provider", string(provider)).
			Error("credential lookup failed during probe")
		return &probeResult{provider: provider, kind: apperrors.KindUnknown}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	status, err := adp.GetConnectionStatus(probeCtx, creds)
	if err != nil {
		cls := classifyFailure(err)
		return &probeResult{
			provider:         provider,
			kind:             cls.Kind,
			affectedAccounts: s.listAffectedAccounts(ctx, adp, creds),
		}
	}
	if status.Disabled {
		return &probeResult{
			provider:         provider,
			kind:             apperrors.KindConnectionDisabled,
			affectedAccounts: s.listAffectedAccounts(ctx, adp, creds),
		}
	}
	return nil
}

// listAffectedAccounts best-effort resolves the account IDs behind a
// provider-level finding. A failing listing leaves the issue without
// account IDs rather than failing the probe cycle.
func (s *DiagnosticsService) listAffectedAccounts(ctx context.Context, adp adapter.ProviderAdapter, creds *types.Credentials) []string {
	listCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	accounts, err := adp.ListAccounts(listCtx, creds)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	sort.Strings(ids)
	return ids
}

// buildIssue synthesizes one Issue for a probe finding. Accounts under the
// same provider with the same kind share this single record.
func (s *DiagnosticsService) buildIssue(result *probeResult, detectedAt time.Time) *models.Issue {
	severity, title, description := issueText(result.kind, result.provider)
	actions := s.repairActionsFor(result.kind, result.provider)

	autoRepair := false
	for _, action := range actions {
		if action.Type == models.RepairAutomatic {
			autoRepair = true
		}
	}

	return &models.Issue{
		ID:                  s.newID(),
		Severity:            severity,
		Category:            string(result.kind),
		Title:               title,
		Description:         description,
		AffectedProvider:    result.provider,
		AffectedAccounts:    result.affectedAccounts,
		AutoRepairAvailable: autoRepair,
		RepairActions:       actions,
		DetectedAt:          detectedAt,
	}
}

// repairActionsFor builds the candidate repair actions for an error kind.
// Step IDs are freshly minted per report so repair progress is always
// scoped to one troubleshooting session.
func (s *DiagnosticsService) repairActionsFor(kind apperrors.ErrorKind, provider types.Provider) []*models.RepairAction {
	providerName := providerDisplayName(provider)

	switch kind {
	case apperrors.KindAuthExpired:
		return []*models.RepairAction{{
			ID:          s.newID(),
			Type:        models.RepairGuided,
			Title:       "Reconnect " + providerName,
			Description: "Re-authorize access and verify the connection works again.",
			RiskLevel:   models.RiskModerate,
			Steps: []*models.RepairStep{
				s.userStep("Re-authorize", "Sign in to "+providerName+" and approve access again."),
				s.verifyStep(providerName),
			},
		}}
	case apperrors.KindNotRegistered:
		return []*models.RepairAction{{
			ID:          s.newID(),
			Type:        models.RepairManual,
			Title:       "Register with " + providerName,
			Description: "Complete registration before accounts can be aggregated.",
			RiskLevel:   models.RiskSafe,
			Steps: []*models.RepairStep{
				s.userStep("Register", "Complete the "+providerName+" registration flow."),
				s.userStep("Add credentials", "Save the issued credentials for this connection."),
			},
		}}
	case apperrors.KindUserMismatch:
		return []*models.RepairAction{{
			ID:          s.newID(),
			Type:        models.RepairGuided,
			Title:       "Re-link " + providerName + " profile",
			Description: "The connected profile does not match this user. Re-link it.",
			RiskLevel:   models.RiskHigh,
			Steps: []*models.RepairStep{
				s.userStep("Re-link profile", "Link the correct "+providerName+" profile to this account."),
				s.verifyStep(providerName),
			},
		}}
	case apperrors.KindConnectionDisabled:
		return []*models.RepairAction{{
			ID:          s.newID(),
			Type:        models.RepairGuided,
			Title:       "Re-enable " + providerName + " connection",
			Description: "The connection was disabled at the provider. Re-enable and verify it.",
			RiskLevel:   models.RiskModerate,
			Steps: []*models.RepairStep{
				s.userStep("Re-enable connection", "Re-enable data sharing in your "+providerName+" settings."),
				s.verifyStep(providerName),
			},
		}}
	case apperrors.KindProviderUnavailable, apperrors.KindNotFound, apperrors.KindUnknown:
		return []*models.RepairAction{{
			ID:          s.newID(),
			Type:        models.RepairAutomatic,
			Title:       "Retry " + providerName + " connection",
			Description: "Re-check the connection; transient provider failures usually clear on their own.",
			RiskLevel:   models.RiskSafe,
			Steps: []*models.RepairStep{
				s.probeStep(providerName),
				s.verifyStep(providerName),
			},
		}}
	default:
		return nil
	}
}

func (s *DiagnosticsService) userStep(title, description string) *models.RepairStep {
	return &models.RepairStep{
		ID:          s.newID(),
		Type:        models.StepUserAction,
		Title:       title,
		Description: description,
		Automated:   false,
		Status:      models.StepPending,
	}
}

func (s *DiagnosticsService) probeStep(providerName string) *models.RepairStep {
	return &models.RepairStep{
		ID:          s.newID(),
		Type:        models.StepAPICall,
		Title:       "Check connection",
		Description: "Probe the " + providerName + " connection status.",
		Automated:   true,
		Status:      models.StepPending,
	}
}

func (s *DiagnosticsService) verifyStep(providerName string) *models.RepairStep {
	return &models.RepairStep{
		ID:          s.newID(),
		Type:        models.StepVerification,
		Title:       "Verify connection",
		Description: "Confirm " + providerName + " responds and the connection is active.",
		Automated:   true,
		Status:      models.StepPending,
	}
}

// StartPoller launches the background probe loop for a fixed set of
// monitored users. It returns immediately; the loop stops when ctx is
// cancelled. A zero probe interval disables polling.
func (s *DiagnosticsService) StartPoller(ctx context.Context, userIDs []string) {
	if s.probeInterval <= 0 || len(userIDs) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.probeInterval)
		defer ticker.Stop()

		log := logging.FromContext(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, userID := range userIDs {
					if _, err := s.RunDiagnostics(ctx, userID); err != nil {
						log.WithError(err).WithField("userId", userID).Warn("background probe cycle failed")
					}
				}
			}
		}
	}()
}

// issueText maps an error kind to severity and user-facing copy.
func issueText(kind apperrors.ErrorKind, provider types.Provider) (models.IssueSeverity, string, string) {
	providerName := providerDisplayName(provider)
	switch kind {
	case apperrors.KindAuthExpired:
		return models.SeverityCritical,
			providerName + " authorization expired",
			"Your " + providerName + " connection needs to be re-authorized before data can be aggregated."
	case apperrors.KindNotRegistered:
		return models.SeverityCritical,
			providerName + " not registered",
			"No " + providerName + " registration was found for this user."
	case apperrors.KindUserMismatch:
		return models.SeverityCritical,
			providerName + " profile mismatch",
			"The " + providerName + " connection belongs to a different profile."
	case apperrors.KindConnectionDisabled:
		return models.SeverityCritical,
			providerName + " connection disabled",
			"The " + providerName + " connection was disabled and must be re-enabled."
	case apperrors.KindProviderUnavailable:
		return models.SeverityWarning,
			providerName + " temporarily unavailable",
			providerName + " is not responding right now. Data may be stale until it recovers."
	case apperrors.KindNotFound:
		return models.SeverityWarning,
			providerName + " data incomplete",
			"Some " + providerName + " records could not be located."
	default:
		return models.SeverityWarning,
			providerName + " connection problem",
			"The " + providerName + " connection returned an unexpected failure."
	}
}

// recommendation returns the report-level suggestion for a finding.
func recommendation(kind apperrors.ErrorKind, provider types.Provider) string {
	providerName := providerDisplayName(provider)
	switch kind {
	case apperrors.KindAuthExpired:
		return "Reconnect your " + providerName + " account to restore aggregation."
	case apperrors.KindNotRegistered:
		return "Register with " + providerName + " to start aggregating those accounts."
	case apperrors.KindUserMismatch:
		return "Re-link the correct " + providerName + " profile."
	case apperrors.KindConnectionDisabled:
		return "Re-enable the " + providerName + " connection in your provider settings."
	case apperrors.KindProviderUnavailable, apperrors.KindNotFound, apperrors.KindUnknown:
		return "Retry in a few minutes; " + providerName + " looks temporarily unhealthy."
	default:
		return ""
	}
}

// overallHealth folds issue severities into one health state.
func overallHealth(issues []*models.Issue) models.HealthState {
	health := models.HealthHealthy
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			return models.HealthCritical
		case models.SeverityWarning:
			health = models.HealthDegraded
		}
	}
	return health
}

func providerDisplayName(provider types.Provider) string {
	switch provider {
	case types.ProviderBank:
		return "Bank"
	case types.ProviderBrokerage:
		return "Brokerage"
	default:
		return string(provider)
	}
}
