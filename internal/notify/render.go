package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

// Render turns a message into the chat text shown to the user.
func Render(msg Message) string {
	movie := msg.MovieName
	if movie == "" {
		movie = "your movie"
	}

	switch msg.Type {
	case TypeJobCreated:
		return fmt.Sprintf("Watching for %s in %s. I'll let you know when tickets show up.", movie, msg.City)
	case TypeJobStarted:
		return fmt.Sprintf("Started checking showtimes for %s.", movie)
	case TypeTicketsFound:
		next := "Booking now."
		if msg.Reason != "" {
			next = "Reply to " + msg.Reason + "."
		}
		return fmt.Sprintf("Tickets found for %s at %s, %s. %s", movie, msg.Theatre, msg.Showtime, next)
	case TypeBookingStarted:
		if msg.Theatre == "" {
			return fmt.Sprintf("Booking tickets for %s...", movie)
		}
		return fmt.Sprintf("Booking %s at %s, %s...", movie, msg.Theatre, msg.Showtime)
	case TypeBookingSuccess:
		var b strings.Builder
		fmt.Fprintf(&b, "Booked! %s at %s, %s.", movie, msg.Theatre, msg.Showtime)
		if len(msg.Seats) > 0 {
			fmt.Fprintf(&b, "\nSeats: %s", strings.Join(msg.Seats, ", "))
		}
		if msg.BookingID != "" {
			fmt.Fprintf(&b, "\nBooking ID: %s", msg.BookingID)
		}
		if msg.Amount > 0 {
			fmt.Fprintf(&b, "\nAmount: %.2f", msg.Amount)
		}
		return b.String()
	case TypeBookingFailed:
		return fmt.Sprintf("Booking %s failed: %s", movie, orUnknown(msg.Error))
	case TypeJobCompleted:
		return fmt.Sprintf("Your job for %s is complete.", movie)
	case TypeJobFailed:
		return fmt.Sprintf("Your job for %s has stopped: %s", movie, orUnknown(msg.Error))
	case TypeJobExpired:
		return fmt.Sprintf("Stopped watching %s: the watch window has ended without a booking.", movie)
	case TypePreferenceMismatch, TypeTheatreNotFound:
		return renderMismatch(movie, msg)
	case TypeMovieNotFound:
		return fmt.Sprintf("%s isn't listed in %s yet. I'll keep checking.", movie, msg.City)
	case TypeJobPaused:
		if msg.Reason != "" {
			return fmt.Sprintf("Paused %s: %s. Resume or cancel when you're ready.", movie, msg.Reason)
		}
		return fmt.Sprintf("Paused %s. Resume or cancel when you're ready.", movie)
	case TypeJobResumed:
		switch {
		case msg.Theatre != "" && msg.Showtime != "":
			return fmt.Sprintf("Resumed watching %s, now looking for %s at %s.", movie, msg.Theatre, msg.Showtime)
		case msg.Theatre != "":
			return fmt.Sprintf("Resumed watching %s, now looking for %s.", movie, msg.Theatre)
		}
		return fmt.Sprintf("Resumed watching %s.", movie)
	default:
		return fmt.Sprintf("Update for %s: %s", movie, msg.Type)
	}
}

func renderMismatch(movie string, msg Message) string {
	var b strings.Builder
	m := msg.Mismatch
	if m == nil {
		fmt.Fprintf(&b, "Showtimes for %s don't match your preferences.", movie)
		return b.String()
	}

	if m.Type == jobs.MismatchTheatre {
		fmt.Fprintf(&b, "%s isn't showing at %s.", movie, strings.Join(m.WantedTheatre, ", "))
	} else {
		fmt.Fprintf(&b, "%s is showing, but not in the %s you asked for.", movie, m.Type)
		if wanted := wantedFor(m); wanted != "" {
			fmt.Fprintf(&b, "\nWanted: %s", wanted)
		}
	}

	if len(m.Available) > 0 {
		b.WriteString("\nAvailable:")
		for i, opt := range m.Available {
			fmt.Fprintf(&b, "\n%d. %s", i+1, describeOption(opt))
		}
		if more := m.TotalOptions - len(m.Available); more > 0 {
			fmt.Fprintf(&b, "\n...and %d more", more)
		}
	}

	b.WriteString("\nReply with keep watching, book available, a choice number, or cancel.")
	if m.RespondWithin > 0 {
		fmt.Fprintf(&b, "\nRespond within %s or the job will be paused.", humanDuration(m.RespondWithin))
	}
	return b.String()
}

func wantedFor(m *Mismatch) string {
	switch m.Type {
	case jobs.MismatchFormat:
		return strings.Join(m.Wanted.Formats, ", ")
	case jobs.MismatchLanguage:
		return strings.Join(m.Wanted.Languages, ", ")
	case jobs.MismatchScreen:
		return strings.Join(m.Wanted.Screens, ", ")
	case jobs.MismatchTime:
		parts := append([]string{}, m.Wanted.Dates...)
		return strings.Join(append(parts, m.Wanted.Times...), ", ")
	default:
		return ""
	}
}

func describeOption(opt jobs.AvailableOption) string {
	parts := []string{opt.Theatre}
	for _, v := range []string{opt.Language, opt.Format, opt.Screen, opt.Date} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	s := strings.Join(parts, " · ")
	if len(opt.Times) > 0 {
		s += " (" + strings.Join(opt.Times, ", ") + ")"
	}
	return s
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		mins := int(d / time.Minute)
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
	return d.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}
