package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Clark-Hu/motofix/internal/apperr"
	"github.com/Clark-Hu/motofix/internal/auth"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/service"
)

const maxRequestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

type reviewCreateRequest struct {
	Rating        int    `json:"rating"`
	Comment       string `json:"comment"`
	EstimatedTime *int   `json:"estimated_time"`
	ActualTime    *int   `json:"actual_time"`
}

type reviewerResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type reviewResponse struct {
	ID            string           `json:"id"`
	ProviderID    string           `json:"provider_id"`
	User          reviewerResponse `json:"user"`
	Rating        int              `json:"rating"`
	Comment       string           `json:"comment"`
	EstimatedTime *int             `json:"estimated_time"`
	ActualTime    *int             `json:"actual_time"`
	Flagged       bool             `json:"flagged"`
	Reply         *string          `json:"reply"`
	CreatedAt     time.Time        `json:"created_at"`
}

type locationResponse struct {
	Address  string `json:"address"`
	City     string `json:"city"`
	Province string `json:"province"`
}

type providerResponse struct {
	ID            string            `json:"id"`
	OwnerID       *string           `json:"owner_id"`
	Type          string            `json:"type"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Phone         *string           `json:"phone"`
	Email         *string           `json:"email"`
	Website       *string           `json:"website"`
	Verified      bool              `json:"verified"`
	Active        bool              `json:"active"`
	AverageRating float64           `json:"average_rating"`
	TotalReviews  int64             `json:"total_reviews"`
	Location      *locationResponse `json:"location"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type profileResponse struct {
	providerResponse
	Reviews []reviewResponse `json:"reviews"`
}

type providerListResponse struct {
	Items      []providerResponse `json:"items"`
	NextCursor *string            `json:"next_cursor,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	filters, err := buildProviderFilters(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.providers.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]providerResponse, 0, len(result.Items))
	for _, provider := range result.Items {
		items = append(items, toProviderResponse(provider))
	}
	s.respondJSON(w, http.StatusOK, providerListResponse{Items: items, NextCursor: result.NextCursor})
}

func buildProviderFilters(query url.Values) (repository.ProviderListFilters, error) {
	var filters repository.ProviderListFilters
	invalid := func(field, msg string) error {
		return apperr.Validation("invalid query parameters", map[string]string{field: msg})
	}

	if q := strings.TrimSpace(query.Get("q")); q != "" {
		filters.Query = &q
	}
	if val := strings.TrimSpace(query.Get("type")); val != "" {
		providerType := domain.ProviderType(val)
		if !providerType.Valid() {
			return filters, invalid("type", "must be one of: shop mechanic parts_store")
		}
		filters.Type = &providerType
	}
	if val := strings.TrimSpace(query.Get("city")); val != "" {
		filters.City = &val
	}
	if val := strings.TrimSpace(query.Get("province")); val != "" {
		filters.Province = &val
	}
	if val := strings.TrimSpace(query.Get("verified")); val != "" {
		verified, err := strconv.ParseBool(val)
		if err != nil {
			return filters, invalid("verified", "must be true or false")
		}
		filters.Verified = &verified
	}
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil || limit < 0 {
			return filters, invalid("limit", "must be a non-negative integer")
		}
		filters.Limit = limit
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		cursor, err := repository.DecodeCursor(val)
		if err != nil {
			return filters, invalid("cursor", "is not a valid cursor")
		}
		filters.Cursor = cursor
	}
	return filters, nil
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	profile, err := s.providers.GetProfile(r.Context(), providerID, auth.UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reviews := make([]reviewResponse, 0, len(profile.Reviews))
	for _, review := range profile.Reviews {
		reviews = append(reviews, toReviewResponse(review))
	}
	s.respondJSON(w, http.StatusOK, profileResponse{
		providerResponse: toProviderResponse(profile.Provider),
		Reviews:          reviews,
	})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req reviewCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}

	review, err := s.reviews.CreateReview(r.Context(), service.CreateReviewInput{
		ProviderID:    chi.URLParam(r, "id"),
		UserID:        auth.UserIDFromContext(r.Context()),
		Rating:        req.Rating,
		Comment:       req.Comment,
		EstimatedTime: req.EstimatedTime,
		ActualTime:    req.ActualTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/providers/%s", url.PathEscape(review.ProviderID)))
	s.respondJSON(w, http.StatusCreated, toReviewResponse(review))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func decodeError(err error) error {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError), errors.Is(err, io.ErrUnexpectedEOF):
		return apperr.Validation("malformed JSON payload", nil)
	case errors.As(err, &typeError):
		return apperr.Validation("request validation failed", map[string]string{
			typeError.Field: "has an invalid type",
		})
	case errors.Is(err, io.EOF):
		return apperr.Validation("request body cannot be empty", nil)
	case errors.As(err, &maxBytesError):
		return apperr.Validation("request body too large", nil)
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return apperr.Validation("request validation failed", map[string]string{field: "is not allowed"})
	default:
		return apperr.Validation("unable to parse request body", nil)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

// writeError renders err as the JSON error envelope. Internal errors are
// logged here and reported without their cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.As(err)
	status := apperr.HTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("request failed")
	}
	s.respondJSON(w, status, errorResponse{
		Error:  appErr.Message,
		Code:   string(appErr.Kind),
		Fields: appErr.Fields,
	})
}

func toProviderResponse(p domain.Provider) providerResponse {
	resp := providerResponse{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Type:          string(p.Type),
		Name:          p.Name,
		Description:   p.Description,
		Phone:         p.Phone,
		Email:         p.Email,
		Website:       p.Website,
		Verified:      p.Verified,
		Active:        p.Active,
		AverageRating: p.AverageRating,
		TotalReviews:  p.TotalReviews,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.Location != nil {
		resp.Location = &locationResponse{
			Address:  p.Location.Address,
			City:     p.Location.City,
			Province: p.Location.Province,
		}
	}
	return resp
}

func toReviewResponse(r domain.Review) reviewResponse {
	return reviewResponse{
		ID:            r.ID,
		ProviderID:    r.ProviderID,
		User:          reviewerResponse{ID: r.Reviewer.ID, Name: r.Reviewer.Name},
		Rating:        r.Rating,
		Comment:       r.Comment,
		EstimatedTime: r.EstimatedTime,
		ActualTime:    r.ActualTime,
		Flagged:       r.Flagged,
		Reply:         r.Reply,
		CreatedAt:     r.CreatedAt,
	}
}
