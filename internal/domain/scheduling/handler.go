package scheduling

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	doctors *Directory
	avail   *AvailabilityIndex
	life    *Lifecycle
	queue   *QueueTracker
	loc     *time.Location
}

func NewHandler(doctors *Directory, avail *AvailabilityIndex, life *Lifecycle, queue *QueueTracker, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{doctors: doctors, avail: avail, life: life, queue: queue, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Booking surface: any signed-in role.
	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id/calendar", h.GetCalendar)
	api.GET("/doctors/:id/slots", h.GetSlots)
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)

	// Front desk and clinicians.
	staff := api.Group("", auth.RequireRole(auth.RoleSecretary, auth.RoleDoctor))
	staff.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	staff.POST("/appointments/:id/complete", h.CompleteAppointment)
	staff.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	staff.GET("/queue", h.ListQueue)
	staff.POST("/queue/:id/arrive", h.queueMove(QueueArrived))
	staff.POST("/queue/:id/admit", h.queueMove(QueueInRoom))
	staff.POST("/queue/:id/complete", h.queueMove(QueueCompleted))
	staff.POST("/queue/:id/send-back", h.queueMove(QueueWaiting))
	staff.GET("/dashboard/stats", h.GetStats)
}

// httpError maps domain errors onto status codes. Anything unrecognised is a
// 500 and keeps its message out of the response.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSlotConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrSlotConflict.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidQueueTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrDoctorNotFound), errors.Is(err, ErrNotInQueue):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Doctors and availability --

func (h *Handler) ListDoctors(c echo.Context) error {
	return c.JSON(http.StatusOK, h.doctors.List())
}

func (h *Handler) GetCalendar(c echo.Context) error {
	anyDay := h.avail.Today()
	if m := c.QueryParam("month"); m != "" {
		t, err := time.ParseInLocation("2006-01", m, h.loc)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "month must be YYYY-MM")
		}
		anyDay = t
	}
	days, err := h.avail.Month(c.Request().Context(), c.Param("id"), anyDay)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": c.Param("id"),
		"month":     anyDay.Format("2006-01"),
		"days":      days,
	})
}

func (h *Handler) GetSlots(c echo.Context) error {
	date, err := ParseDate(c.QueryParam("date"), h.loc)
	if err != nil {
		return httpError(err)
	}
	board, err := h.avail.Day(c.Request().Context(), c.Param("id"), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, board)
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if auth.IsStaff(ctx) {
		if req.Source == "" {
			req.Source = SourceFrontDesk
		}
	} else {
		own := auth.PatientIDFromContext(ctx)
		if own == "" {
			return echo.NewHTTPError(http.StatusForbidden, "no patient record linked to this login")
		}
		if req.PatientID != "" && req.PatientID != own {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only book for themselves")
		}
		req.PatientID = own
		req.Source = SourcePatient
	}

	a, err := h.life.Create(ctx, req)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/appointments/"+a.ID.String())
	return c.JSON(http.StatusCreated, a)
}

// loadVisible fetches an appointment the caller is allowed to see. Patients
// get a 404 for other patients' appointments.
func (h *Handler) loadVisible(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := h.life.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.IsStaff(ctx) && a.PatientID != auth.PatientIDFromContext(ctx) {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.loadVisible(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	patientID := c.QueryParam("patient_id")
	if !auth.IsStaff(ctx) {
		own := auth.PatientIDFromContext(ctx)
		if own == "" || (patientID != "" && patientID != own) {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only list their own appointments")
		}
		patientID = own
	}

	if patientID != "" {
		items, total, err := h.life.ListByPatient(ctx, patientID, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
	}

	date := c.QueryParam("date")
	if date == "" {
		date = h.life.Today()
	}
	items, err := h.life.ListByDoctorOn(ctx, c.QueryParam("doctor_id"), date)
	if err != nil {
		return httpError(err)
	}
	start, end := pg.Bounds(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.life.Confirm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.life.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelAppointment is open to staff and to the patient who owns the
// appointment.
func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if _, err := h.loadVisible(ctx, id); err != nil {
		return httpError(err)
	}
	a, err := h.life.Cancel(ctx, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	DateTime string `json:"date_time"`
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.life.Reschedule(c.Request().Context(), id, req.DateTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Queue and dashboard --

// ensureRoster builds today's queue from the store the first time it is
// needed each day.
func (h *Handler) ensureRoster(ctx context.Context) error {
	return h.queue.EnsureRoster(ctx, func(ctx context.Context, day string) ([]*Appointment, error) {
		return h.life.ListByDoctorOn(ctx, "", day)
	})
}

func (h *Handler) ListQueue(c echo.Context) error {
	if err := h.ensureRoster(c.Request().Context()); err != nil {
		return httpError(err)
	}
	entries := h.queue.Entries()
	if doc := c.QueryParam("doctor_id"); doc != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.DoctorID == doc {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":    h.queue.Day(),
		"entries": entries,
		"counts":  h.queue.Counts(),
	})
}

func (h *Handler) queueMove(to QueueStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		if err := h.ensureRoster(c.Request().Context()); err != nil {
			return httpError(err)
		}
		e, err := h.queue.Move(id, to)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	date := c.QueryParam("date")
	if date == "" {
		date = h.life.Today()
	}
	st, err := h.life.Stats(ctx, date)
	if err != nil {
		return httpError(err)
	}
	if date == h.life.Today() {
		if err := h.ensureRoster(ctx); err != nil {
			return httpError(err)
		}
		st.Queue = make(map[string]int)
		for s, n := range h.queue.Counts() {
			st.Queue[string(s)] = n
		}
	}
	return c.JSON(http.StatusOK, st)
}
