package hipaa

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// DisclosureHandler serves the accounting of disclosures to operators.
type DisclosureHandler struct {
	store DisclosureStore
}

func NewDisclosureHandler(store DisclosureStore) *DisclosureHandler {
	return &DisclosureHandler{store: store}
}

// RegisterRoutes mounts GET /disclosures on an already authenticated group.
func (h *DisclosureHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/disclosures", h.HandleListDisclosures)
}

// HandleListDisclosures handles GET /disclosures?patient=&to_community=&from=&to=&limit=&offset=.
// Without from, the window is the 6 years HIPAA requires.
func (h *DisclosureHandler) HandleListDisclosures(c echo.Context) error {
	f := DisclosureFilter{
		PatientID:   c.QueryParam("patient"),
		DisclosedTo: c.QueryParam("to_community"),
		Limit:       20,
	}

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if f.Limit > 100 {
		f.Limit = 100
	}

	f.To = time.Now().UTC()
	f.From = f.To.AddDate(-6, 0, 0)
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param+": "+err.Error())
		}
		*dst = t
	}

	disclosures, total, err := h.store.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     disclosures,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
		"from":     f.From.Format(time.RFC3339),
		"to":       f.To.Format(time.RFC3339),
		"has_more": f.Offset+f.Limit < total,
	})
}
