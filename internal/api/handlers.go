// Package api exposes HTTP handlers for the wellness challenge service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/wellness/internal/auth"
	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/i18n"
	"example.com/wellness/internal/logger"
	"example.com/wellness/internal/persistence"
)

const maxBodyBytes = 1 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service    *domain.Service
	translator *i18n.Translator
	log        *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, translator *i18n.Translator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{service: service, translator: translator, log: log}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/challenges", h.challenges)
	mux.HandleFunc("/v1/challenges/", h.challengeRoutes)
	mux.HandleFunc("/v1/participations/", h.participationRoutes)
	mux.HandleFunc("/v1/activity-types", h.activityTypes)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) challenges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createChallenge(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
	}
}

func (h *Handler) challengeRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/challenges/"), "/")
	switch {
	case rest == "active" && r.Method == http.MethodGet:
		h.getActiveChallenge(w, r)
	case rest == "active/participation" && r.Method == http.MethodGet:
		h.getParticipation(w, r)
	case rest == "active/join" && r.Method == http.MethodPost:
		h.join(w, r)
	case rest == "active/activities" && r.Method == http.MethodPost:
		h.recordActivity(w, r)
	case rest == "active/activities" && r.Method == http.MethodGet:
		h.listActivities(w, r)
	case strings.HasSuffix(rest, "/leaderboard") && r.Method == http.MethodGet:
		h.leaderboard(w, r, strings.TrimSuffix(rest, "/leaderboard"))
	case strings.HasSuffix(rest, "/activate") && r.Method == http.MethodPost:
		h.activateChallenge(w, r, strings.TrimSuffix(rest, "/activate"))
	case rest == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "missing challenge id", "")
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", "")
	}
}

func (h *Handler) participationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/participations/"), "/")
	if !strings.HasSuffix(rest, "/complete") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", "")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	h.markCompleted(w, r, strings.TrimSuffix(rest, "/complete"))
}

func (h *Handler) getActiveChallenge(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, auth.ScopeChallengesRead, auth.ScopeChallengesWrite)
	if !ok {
		return
	}

	challenge, ok := h.activeChallenge(w, r)
	if !ok {
		return
	}

	resp := ActiveChallengeResponse{Status: statusActive, Challenge: toChallengeView(*challenge)}
	participation, err := h.service.GetParticipation(r.Context(), claims.Subject, challenge.ID)
	switch {
	case err == nil:
		view := toParticipationView(*participation, challenge.PointsReward)
		resp.Participation = &view
	case !errors.Is(err, domain.ErrNotJoined):
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getParticipation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, auth.ScopeChallengesRead, auth.ScopeChallengesWrite)
	if !ok {
		return
	}
	challenge, ok := h.activeChallenge(w, r)
	if !ok {
		return
	}

	participation, err := h.service.GetParticipation(r.Context(), claims.Subject, challenge.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotJoined) {
			writeJSON(w, http.StatusOK, ParticipationResponse{
				Joined:  false,
				Message: h.translator.T(locale(r), i18n.KeyNotJoined, nil),
			})
			return
		}
		h.writeDomainError(w, r, err)
		return
	}

	view := toParticipationView(*participation, challenge.PointsReward)
	writeJSON(w, http.StatusOK, ParticipationResponse{Joined: true, Participation: &view})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, auth.ScopeChallengesWrite)
	if !ok {
		return
	}
	challenge, ok := h.activeChallenge(w, r)
	if !ok {
		return
	}
	h.saveProfile(r, claims)

	participation, err := h.service.Join(r.Context(), claims.Subject, challenge.ID)
	alreadyJoined := errors.Is(err, domain.ErrAlreadyJoined)
	if err != nil && !alreadyJoined {
		h.writeDomainError(w, r, err)
		return
	}
	if participation == nil {
		h.writeDomainError(w, r, fmt.Errorf("join %s: store reported a duplicate join but no participation", challenge.ID))
		return
	}

	key, status := i18n.KeyJoined, http.StatusCreated
	if alreadyJoined {
		key, status = i18n.KeyAlreadyJoined, http.StatusOK
	}
	writeJSON(w, status, JoinResponse{
		Participation: toParticipationView(*participation, challenge.PointsReward),
		AlreadyJoined: alreadyJoined,
		Message:       h.translator.T(locale(r), key, map[string]any{"Title": challenge.Title}),
	})
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, auth.ScopeChallengesWrite)
	if !ok {
		return
	}

	var req RecordActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body", h.translator.T(locale(r), i18n.KeyInvalidRequest, nil))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), h.translator.T(locale(r), i18n.KeyInvalidRequest, nil))
		return
	}

	challenge, ok := h.activeChallenge(w, r)
	if !ok {
		return
	}

	result, err := h.service.RecordActivity(r.Context(), claims.Subject, challenge.ID, domain.ActivityType(strings.TrimSpace(req.ActivityType)), req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := RecordActivityResponse{
		Activity:      toActivityView(result.Activity),
		PointsAwarded: result.PointsAwarded,
		TotalScore:    result.TotalScore,
		Completed:     result.Completed,
		Participation: toParticipationView(result.Participation, challenge.PointsReward),
		Message: h.translator.T(locale(r), i18n.KeyActivityRecorded, map[string]any{
			"Points":     result.PointsAwarded,
			"TotalScore": result.TotalScore,
		}),
	}
	if result.Completed {
		resp.Message = h.translator.T(locale(r), i18n.KeyChallengeCompleted, map[string]any{"Reward": challenge.PointsReward})
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, auth.ScopeChallengesRead, auth.ScopeChallengesWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}
	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor", h.translator.T(locale(r), i18n.KeyInvalidRequest, nil))
		return
	}

	challenge, ok := h.activeChallenge(w, r)
	if !ok {
		return
	}

	activities, next, err := h.service.ListActivities(r.Context(), claims.Subject, challenge.ID, cursor, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, a := range activities {
		items = append(items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request, challengeID string) {
	if _, ok := h.authorize(w, r, auth.ScopeChallengesRead, auth.ScopeChallengesWrite); !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a non-negative integer", h.translator.T(locale(r), i18n.KeyInvalidRequest, nil))
			return
		}
		limit = parsed
	}

	entries, err := h.service.GetLeaderboard(r.Context(), challengeID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := LeaderboardResponse{ChallengeID: challengeID, Entries: make([]LeaderboardEntryView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toLeaderboardEntryView(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createChallenge(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, auth.ScopeChallengesAdmin); !ok {
		return
	}

	var req CreateChallengeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body", h.translator.T(locale(r), i18n.KeyInvalidRequest, nil))
		return
	}

	input := domain.CreateChallengeInput{
		Title:        req.Title,
		Description:  req.Description,
		Season:       req.Season,
		Year:         req.Year,
		StartsAt:     req.StartsAt,
		PointsReward: req.PointsReward,
	}
	if req.EndsAt != nil {
		input.EndsAt = *req.EndsAt
	}
	challenge, err := h.service.CreateChallenge(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if req.Activate {
		if challenge, err = h.service.ActivateChallenge(r.Context(), challenge.ID); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	h.log.Info("challenge created", "challenge_id", challenge.ID, "season", challenge.Season, "year", challenge.Year, "active", challenge.IsActive)
	writeJSON(w, http.StatusCreated, toChallengeView(*challenge))
}

func (h *Handler) activateChallenge(w http.ResponseWriter, r *http.Request, challengeID string) {
	if _, ok := h.authorize(w, r, auth.ScopeChallengesAdmin); !ok {
		return
	}

	challenge, err := h.service.ActivateChallenge(r.Context(), challengeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.log.Info("challenge activated", "challenge_id", challenge.ID)
	writeJSON(w, http.StatusOK, toChallengeView(*challenge))
}

func (h *Handler) markCompleted(w http.ResponseWriter, r *http.Request, participationID string) {
	if _, ok := h.authorize(w, r, auth.ScopeChallengesAdmin); !ok {
		return
	}

	participation, err := h.service.MarkCompleted(r.Context(), participationID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	challenge, err := h.service.GetChallenge(r.Context(), participation.ChallengeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationView(*participation, challenge.PointsReward))
}

func (h *Handler) activityTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	if _, ok := h.authorize(w, r, auth.ScopeChallengesRead, auth.ScopeChallengesWrite); !ok {
		return
	}

	entries := h.service.PointTable().Entries()
	resp := ActivityTypesResponse{Items: make([]ActivityTypeView, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, ActivityTypeView{ActivityType: string(e.Type), Points: e.Points})
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorize requires a caller holding at least one of scopes.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", "")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required", h.translator.T(locale(r), i18n.KeyForbidden, nil))
	return nil, false
}

// activeChallenge resolves the running challenge, answering coming_soon when there is none.
func (h *Handler) activeChallenge(w http.ResponseWriter, r *http.Request) (*domain.Challenge, bool) {
	challenge, err := h.service.GetActiveChallenge(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	return challenge, true
}

func (h *Handler) saveProfile(r *http.Request, claims *auth.Claims) {
	if strings.TrimSpace(claims.Name) == "" && strings.TrimSpace(claims.Picture) == "" {
		return
	}
	user := domain.User{ID: claims.Subject, DisplayName: claims.Name, AvatarURL: claims.Picture}
	if err := h.service.SaveProfile(r.Context(), user); err != nil {
		h.log.Warn("profile upsert failed", "user_id", claims.Subject, "error", err)
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	loc := locale(r)
	switch {
	case errors.Is(err, domain.ErrNoActiveChallenge):
		writeJSON(w, http.StatusOK, ComingSoonResponse{
			Status:  statusComingSoon,
			Message: h.translator.T(loc, i18n.KeyComingSoon, nil),
		})
	case errors.Is(err, domain.ErrNotJoined):
		writeError(w, http.StatusConflict, "not_joined", err.Error(), h.translator.T(loc, i18n.KeyNotJoined, nil))
	case errors.Is(err, domain.ErrUnknownActivityType):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), h.translator.T(loc, i18n.KeyUnknownActivityType, nil))
	case errors.Is(err, domain.ErrInvalidChallenge):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), h.translator.T(loc, i18n.KeyInvalidRequest, nil))
	case errors.Is(err, domain.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), h.translator.T(loc, i18n.KeyChallengeNotFound, nil))
	case errors.Is(err, domain.ErrParticipationNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, domain.ErrCompletionThresholdNotMet):
		writeError(w, http.StatusConflict, "threshold_not_met", err.Error(), "")
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error", h.translator.T(loc, i18n.KeyInternalError, nil))
	}
}

func locale(r *http.Request) string {
	if lang := strings.TrimSpace(r.URL.Query().Get("lang")); lang != "" {
		return lang
	}
	return r.Header.Get("Accept-Language")
}

func writeError(w http.ResponseWriter, status int, code, detail, message string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	if message != "" {
		payload["message"] = message
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
