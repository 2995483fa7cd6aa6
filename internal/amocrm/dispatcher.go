package amocrm

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const noteTimeLayout = "02.01.2006 15:04:05"

// LeadAPI is the part of APIClient the dispatcher enriches notes with.
type LeadAPI interface {
	User(ctx context.Context, id int64) (User, error)
	Lead(ctx context.Context, id int64) (Lead, error)
	Contact(ctx context.Context, id int64) (Contact, error)
	LastLeadEvent(ctx context.Context, leadID int64) (Event, bool, error)
	AddNote(ctx context.Context, note Note) error
}

type ChangeDescriber interface {
	Describe(ctx context.Context, event Event) []string
}

// NoteSink receives every note the dispatcher posted successfully.
type NoteSink interface {
	PublishNote(note Note)
}

type DispatcherOptions struct {
	Logger   Logger
	Location *time.Location
	Now      func() time.Time
	Sink     NoteSink
}

// Report summarizes one webhook delivery.
type Report struct {
	LeadsAdded      int `json:"leadsAdded"`
	LeadsUpdated    int `json:"leadsUpdated"`
	NotesSent       int `json:"notesSent"`
	NotesFailed     int `json:"notesFailed"`
	Duplicates      int `json:"duplicates"`
	Unchanged       int `json:"unchanged"`
	InvalidRecords  int `json:"invalidRecords"`
	ContactsIgnored int `json:"contactsIgnored"`
}

type Dispatcher struct {
	api      LeadAPI
	dedup    Deduplicator
	changes  ChangeDescriber
	logger   Logger
	location *time.Location
	now      func() time.Time
	sink     NoteSink
}

func NewDispatcher(api LeadAPI, dedup Deduplicator, changes ChangeDescriber, opts DispatcherOptions) *Dispatcher {
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		api:      api,
		dedup:    dedup,
		changes:  changes,
		logger:   loggerOrDefault(opts.Logger),
		location: location,
		now:      now,
		sink:     opts.Sink,
	}
}

// HandleWebhook processes every lead in the payload. Lookup failures degrade
// the note text and failed posts are logged and dropped, so one bad lead never
// stops the rest of the batch.
func (d *Dispatcher) HandleWebhook(ctx context.Context, payload WebhookPayload) Report {
	var report Report
	if payload.Leads != nil {
		for _, lead := range payload.Leads.Add {
			d.handleLeadAdded(ctx, lead, &report)
		}
		for _, lead := range payload.Leads.Update {
			d.handleLeadUpdated(ctx, lead, &report)
		}
	}
	if payload.Contacts != nil {
		ignored := len(payload.Contacts.Add) + len(payload.Contacts.Update)
		if ignored > 0 {
			report.ContactsIgnored += ignored
			d.logger.Printf("contacts webhook: %d records ignored: %v", ignored, ErrNotImplemented)
		}
	}
	return report
}

func (d *Dispatcher) handleLeadAdded(ctx context.Context, record EntityRecord, report *Report) {
	leadID, ok := record.ID.Positive()
	if !ok {
		report.InvalidRecords++
		d.logger.Printf("lead add: skipping record without a valid id")
		return
	}
	report.LeadsAdded++

	responsible := d.responsibleName(ctx, leadID, record.ResponsibleUserID)
	createdAt := "unknown"
	if ts, ok := record.CreatedAt.Int(); ok {
		createdAt = d.formatTime(ts)
	}
	lead := orDefault(d.logger, "lead "+strconv.FormatInt(leadID, 10)+": lead lookup", Lead{}, func() (Lead, error) {
		return d.api.Lead(ctx, leadID)
	})
	contactName := "no contact"
	if contactID, ok := lead.MainContactID(); ok {
		contact := orDefault(d.logger, "lead "+strconv.FormatInt(leadID, 10)+": contact lookup", Contact{}, func() (Contact, error) {
			return d.api.Contact(ctx, contactID)
		})
		contactName = nonEmpty(contact.Name, "unnamed")
	}

	text := "Deal created: '" + leadName(record) + "'\n" +
		"Contact: " + contactName + "\n" +
		"Created at: " + createdAt + "\n" +
		"Responsible: " + responsible
	d.postNote(ctx, Note{EntityType: EntityLeads, EntityID: leadID, Text: text}, report)
}

func (d *Dispatcher) handleLeadUpdated(ctx context.Context, record EntityRecord, report *Report) {
	leadID, ok := record.ID.Positive()
	if !ok {
		report.InvalidRecords++
		d.logger.Printf("lead update: skipping record without a valid id")
		return
	}
	report.LeadsUpdated++

	type lookup struct {
		event Event
		found bool
	}
	last := orDefault(d.logger, "lead "+strconv.FormatInt(leadID, 10)+": event lookup", lookup{}, func() (lookup, error) {
		event, found, err := d.api.LastLeadEvent(ctx, leadID)
		return lookup{event: event, found: found}, err
	})
	if !last.found {
		report.Unchanged++
		return
	}
	switch {
	case d.dedup == nil:
	case strings.TrimSpace(string(last.event.ID)) == "":
		// Without an id every such event would share one key.
		d.logger.Printf("lead %d: event without id, skipping dedup", leadID)
	default:
		seen, err := d.dedup.SeenBefore(ctx, last.event.DedupKey())
		if err != nil {
			d.logger.Printf("lead %d: dedup check failed: %v", leadID, err)
		}
		if seen {
			report.Duplicates++
			return
		}
	}
	lines := d.changes.Describe(ctx, last.event)
	if len(lines) == 0 {
		report.Unchanged++
		return
	}

	modifiedAt := "unknown"
	if !record.LastModified.Present {
		modifiedAt = d.now().In(d.location).Format(noteTimeLayout)
	} else if ts, ok := record.LastModified.Int(); ok {
		modifiedAt = d.formatTime(ts)
	}
	text := "Changes in deal '" + leadName(record) + "'\n" +
		"Modified at: " + modifiedAt + ":\n" +
		strings.Join(lines, "\n")
	d.postNote(ctx, Note{EntityType: EntityLeads, EntityID: leadID, Text: text}, report)
}

func (d *Dispatcher) responsibleName(ctx context.Context, leadID int64, userID FlexInt) string {
	id, ok := userID.Positive()
	if !ok {
		if userID.Present {
			d.logger.Printf("lead %d: invalid responsible_user_id", leadID)
		}
		return "unknown"
	}
	user := orDefault(d.logger, "lead "+strconv.FormatInt(leadID, 10)+": user lookup", User{}, func() (User, error) {
		return d.api.User(ctx, id)
	})
	return nonEmpty(user.Name, "unknown")
}

func (d *Dispatcher) postNote(ctx context.Context, note Note, report *Report) {
	if err := d.api.AddNote(ctx, note); err != nil {
		report.NotesFailed++
		d.logger.Printf("%s %d: note post failed: %v", note.EntityType, note.EntityID, err)
		return
	}
	report.NotesSent++
	if d.sink != nil {
		d.sink.PublishNote(note)
	}
}

func (d *Dispatcher) formatTime(unix int64) string {
	return time.Unix(unix, 0).In(d.location).Format(noteTimeLayout)
}

// orDefault runs call and returns its value, or logs the error and returns
// fallback.
func orDefault[T any](logger Logger, what string, fallback T, call func() (T, error)) T {
	value, err := call()
	if err != nil {
		logger.Printf("%s failed: %v", what, err)
		return fallback
	}
	return value
}

func leadName(record EntityRecord) string {
	if !record.HasName {
		return "(untitled)"
	}
	return record.Name
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
