// Package lockerapi exposes shipments, the locker protocol and weight sessions over
// HTTP/JSON.
package lockerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BearBump/LockerBox/internal/apperr"
	"github.com/BearBump/LockerBox/internal/auth"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/BearBump/LockerBox/internal/services/lockers"
	"github.com/BearBump/LockerBox/internal/services/validation"
	"github.com/BearBump/LockerBox/internal/services/weights"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Shipments interface {
	Submit(ctx context.Context, in validation.SubmitInput) (models.Resolution, error)
	Revalidate(ctx context.Context, in validation.RevalidateInput) (models.Resolution, error)
}

type Lockers interface {
	Register(ctx context.Context, lockerID string) (*models.Locker, bool, error)
	Token(ctx context.Context, lockerID string) (lockers.TokenView, error)
	RotateToken(ctx context.Context, lockerID string) (lockers.TokenView, error)
	Deposit(ctx context.Context, in lockers.DepositInput) (lockers.DepositResult, error)
	PollCommand(ctx context.Context, lockerID string) (lockers.Command, error)
	Heartbeat(ctx context.Context, lockerID string) error
	Status(ctx context.Context, lockerID string) (lockers.Status, error)
	Pickup(ctx context.Context, requesterID, trackingNumber string) (*models.Shipment, error)
}

type Weights interface {
	Start(ctx context.Context, lockerID, trackingNumber string) error
	Reading(ctx context.Context, lockerID string, value float64) (int, error)
	Finalize(ctx context.Context, lockerID string) (weights.FinalizeResult, error)
	Status(ctx context.Context, lockerID string) (weights.SessionStatus, error)
}

type API struct {
	shipments Shipments
	lockers   Lockers
	weights   Weights
	log       *zap.Logger
}

func New(s Shipments, l Lockers, w Weights, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{shipments: s, lockers: l, weights: w, log: log}
}

// Routes mounts the /v1 API behind the bearer-token middleware.
func (a *API) Routes(v *auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(v, Unauthorized))

	r.Route("/shipments", func(r chi.Router) {
		r.Post("/", a.submit)
		r.Post("/revalidate", a.revalidate)
		r.Post("/{trackingNumber}/pickup", a.pickup)
	})

	r.Route("/lockers", func(r chi.Router) {
		r.Post("/", a.register)
		r.Route("/{lockerId}", func(r chi.Router) {
			r.Post("/deposit", a.deposit)
			r.Get("/command", a.command)
			r.Post("/heartbeat", a.heartbeat)
			r.Get("/status", a.status)
			r.Get("/token", a.token)
			r.Post("/token/rotate", a.rotateToken)

			r.Get("/weight", a.weightStatus)
			r.Post("/weight/start", a.weightStart)
			r.Post("/weight/reading", a.weightReading)
			r.Post("/weight/finalize", a.weightFinalize)
		})
	})
	return r
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func requireRole(r *http.Request, roles ...auth.Role) error {
	id := identity(r)
	for _, role := range roles {
		if id.Role == role {
			return nil
		}
	}
	return apperr.Forbidden("role " + string(id.Role) + " cannot call this endpoint")
}

// lockerCaller lets through operators and the controller of the addressed locker.
func lockerCaller(r *http.Request) (string, error) {
	lockerID := chi.URLParam(r, "lockerId")
	if !identity(r).CanActForLocker(lockerID) {
		return "", apperr.Forbidden("caller cannot act for locker " + lockerID)
	}
	return lockerID, nil
}

type submitReq struct {
	TrackingNumber string `json:"trackingNumber"`
	AuxiliaryCode  string `json:"auxiliaryCode"`
	LockerID       string `json:"lockerId"`
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleRequester); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req submitReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.shipments.Submit(r.Context(), validation.SubmitInput{
		RequesterID:    identity(r).Subject,
		TrackingNumber: req.TrackingNumber,
		AuxiliaryCode:  req.AuxiliaryCode,
		LockerID:       req.LockerID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) revalidate(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleRequester); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req submitReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.shipments.Revalidate(r.Context(), validation.RevalidateInput{
		RequesterID:    identity(r).Subject,
		TrackingNumber: req.TrackingNumber,
		AuxiliaryCode:  req.AuxiliaryCode,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type shipmentView struct {
	TrackingNumber string                 `json:"trackingNumber"`
	LockerID       string                 `json:"lockerId"`
	Carrier        string                 `json:"carrier,omitempty"`
	Status         models.ShipmentStatus  `json:"status"`
	Weight         *float64               `json:"weight,omitempty"`
	PickedUpAt     *time.Time             `json:"pickedUpAt,omitempty"`
	Events         []models.ShipmentEvent `json:"events,omitempty"`
}

func (a *API) pickup(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleRequester); err != nil {
		a.writeError(w, r, err)
		return
	}
	sh, err := a.lockers.Pickup(r.Context(), identity(r).Subject, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shipmentView{
		TrackingNumber: sh.TrackingNumber,
		LockerID:       sh.AssignedLockerID,
		Carrier:        sh.Carrier,
		Status:         sh.Status,
		Weight:         sh.Weight,
		PickedUpAt:     sh.PickedUpAt,
		Events:         sh.Events,
	})
}

type registerReq struct {
	LockerID string `json:"lockerId"`
}

type registerResp struct {
	LockerID    string    `json:"lockerId"`
	AccessToken string    `json:"accessToken"`
	Created     bool      `json:"created"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleOperator); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req registerReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	l, created, err := a.lockers.Register(r.Context(), req.LockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResp{LockerID: l.LockerID, AccessToken: l.AccessToken, Created: created, CreatedAt: l.CreatedAt})
}

type depositReq struct {
	AccessToken    string   `json:"accessToken"`
	TrackingNumber string   `json:"trackingNumber"`
	Weight         *float64 `json:"weight"`
}

// deposit is called by the courier's app after scanning the locker QR code.
func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleCourier, auth.RoleOperator); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req depositReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.lockers.Deposit(r.Context(), lockers.DepositInput{
		LockerID:       chi.URLParam(r, "lockerId"),
		AccessToken:    req.AccessToken,
		TrackingNumber: req.TrackingNumber,
		Weight:         req.Weight,
		CourierID:      identity(r).Subject,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) command(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cmd, err := a.lockers.PollCommand(r.Context(), lockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.lockers.Heartbeat(r.Context(), lockerID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.lockers.Status(r.Context(), lockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tv, err := a.lockers.Token(r.Context(), lockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tv)
}

func (a *API) rotateToken(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleOperator); err != nil {
		a.writeError(w, r, err)
		return
	}
	tv, err := a.lockers.RotateToken(r.Context(), chi.URLParam(r, "lockerId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tv)
}

func (a *API) weightStatus(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.weights.Status(r.Context(), lockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type weightStartReq struct {
	TrackingNumber string `json:"trackingNumber"`
}

func (a *API) weightStart(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req weightStartReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.weights.Start(r.Context(), lockerID, req.TrackingNumber); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockerId": lockerID, "active": true})
}

type weightReadingReq struct {
	Value *float64 `json:"value"`
}

func (a *API) weightReading(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req weightReadingReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Value == nil {
		a.writeError(w, r, apperr.Validation("value is required"))
		return
	}
	n, err := a.weights.Reading(r.Context(), lockerID, *req.Value)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"readings": n})
}

func (a *API) weightFinalize(w http.ResponseWriter, r *http.Request) {
	lockerID, err := lockerCaller(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.weights.Finalize(r.Context(), lockerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
