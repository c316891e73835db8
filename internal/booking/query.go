package booking

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeUpcoming Scope = "upcoming"
	ScopePast     Scope = "past"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeAll, nil
	case ScopeAll, ScopeUpcoming, ScopePast:
		return Scope(s), nil
	}
	return "", NewValidationError("invalid_scope", fmt.Sprintf("scope %q must be upcoming, past or all", s))
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// AppointmentFilter selects ledger rows. Zero fields do not filter.
// Today and Now anchor the upcoming/past scopes and are filled in by the service.
type AppointmentFilter struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Statuses   []Status
	From       *Date
	To         *Date
	Scope      Scope
	Today      Date
	Now        TimeOfDay
	Limit      int
	Offset     int
}

func (f *AppointmentFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Scope == "" {
		f.Scope = ScopeAll
	}
}

// Page returns the effective limit and offset after defaults and caps.
func (f AppointmentFilter) Page() (limit, offset int) {
	f.normalize()
	return f.Limit, f.Offset
}

// Dialect adapts placeholders and value encodings to one SQL backend.
type Dialect interface {
	Placeholder(n int) string
	DateValue(d Date) any
	TimeValue(t TimeOfDay) any
}

// Where accumulates AND-ed conditions with positional arguments. Each ? in
// an expression consumes one argument and is rewritten for the dialect.
type Where struct {
	dialect Dialect
	conds   []string
	args    []any
}

func NewWhere(d Dialect) *Where {
	return &Where{dialect: d}
}

func (w *Where) Add(expr string, args ...any) *Where {
	var b strings.Builder
	i := 0
	for _, r := range expr {
		if r == '?' && i < len(args) {
			w.args = append(w.args, args[i])
			b.WriteString(w.dialect.Placeholder(len(w.args)))
			i++
			continue
		}
		b.WriteRune(r)
	}
	w.conds = append(w.conds, b.String())
	return w
}

// In adds "column IN (...)". An empty set matches nothing.
func (w *Where) In(column string, values []any) *Where {
	if len(values) == 0 {
		return w.Add("1 = 0")
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return w.Add(fmt.Sprintf("%s IN (%s)", column, marks), values...)
}

// Arg appends a bare argument, for LIMIT/OFFSET, and returns its placeholder.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, v)
	return w.dialect.Placeholder(len(w.args))
}

func (w *Where) SQL() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

func (w *Where) Args() []any { return w.args }

func statusArgs(statuses []Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Build renders the filter as a WHERE clause, ORDER BY and LIMIT/OFFSET over
// the appointments table columns provider_id, patient_id, status, appt_date
// and appt_time.
func (f AppointmentFilter) Build(d Dialect) (string, []any) {
	f.normalize()
	w := NewWhere(d)

	if f.PatientID != nil {
		w.Add("patient_id = ?", *f.PatientID)
	}
	if f.ProviderID != nil {
		w.Add("provider_id = ?", *f.ProviderID)
	}
	if len(f.Statuses) > 0 {
		w.In("status", statusArgs(f.Statuses))
	}
	if f.From != nil {
		w.Add("appt_date >= ?", d.DateValue(*f.From))
	}
	if f.To != nil {
		w.Add("appt_date <= ?", d.DateValue(*f.To))
	}

	today, now := d.DateValue(f.Today), d.TimeValue(f.Now)
	order := "ASC"
	switch f.Scope {
	case ScopeUpcoming:
		w.In("status", statusArgs(ActiveStatuses))
		w.Add("(appt_date > ? OR (appt_date = ? AND appt_time > ?))", today, today, now)
	case ScopePast:
		terminal := []any{string(StatusRealized), string(StatusCancelled), string(StatusNoShow)}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(terminal)), ", ")
		args := append([]any{today, today, now}, terminal...)
		w.Add("(appt_date < ? OR (appt_date = ? AND appt_time <= ?) OR status IN ("+marks+"))", args...)
		order = "DESC"
	}

	clause := fmt.Sprintf("%s ORDER BY appt_date %s, appt_time %s LIMIT %s OFFSET %s",
		w.SQL(), order, order, w.Arg(f.Limit), w.Arg(f.Offset))
	return clause, w.Args()
}
