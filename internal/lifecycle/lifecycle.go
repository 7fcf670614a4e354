// Package lifecycle governs support ticket status transitions and who may
// cause them.
//
// Statuses move open -> assigned -> in_progress -> resolved -> closed.
// Closed is terminal: nothing leaves it and new contact starts a new
// conversation. Only staff may assign, resolve or close.
package lifecycle

import (
	"github.com/capitalize-ai/support-engine/internal/model"
)

// OnMessage returns the status a conversation moves to when a message is
// appended while it is in status from.
//
// An owner reply to a resolved ticket reopens it to open rather than
// in_progress, since no staff member is actively assigned at that instant.
// A staff reply to a resolved ticket leaves it resolved.
func OnMessage(from model.Status, senderIsStaff bool) (model.Status, error) {
	switch from {
	case model.StatusClosed:
		return from, model.ErrConversationClosed
	case model.StatusResolved:
		if senderIsStaff {
			return model.StatusResolved, nil
		}
		return model.StatusOpen, nil
	case model.StatusAssigned:
		return model.StatusInProgress, nil
	case model.StatusOpen, model.StatusInProgress:
		return from, nil
	}
	return from, model.Errorf(model.KindIllegalTransition, "unknown status %q", from)
}

// Assign returns the status after a staff member claims the ticket.
// Assignment never happens implicitly; it is a distinct staff action.
func Assign(from model.Status, actor model.Identity) (model.Status, error) {
	if !actor.IsStaff() {
		return from, model.Errorf(model.KindForbidden, "only staff may assign conversations")
	}
	switch from {
	case model.StatusOpen:
		return model.StatusAssigned, nil
	case model.StatusAssigned, model.StatusInProgress, model.StatusResolved:
		return from, nil
	case model.StatusClosed:
		return from, model.Errorf(model.KindIllegalTransition, "cannot assign a closed conversation")
	}
	return from, model.Errorf(model.KindIllegalTransition, "unknown status %q", from)
}

// SetStatus validates an explicit staff status change from -> to.
func SetStatus(from, to model.Status, actor model.Identity) error {
	if !actor.IsStaff() {
		return model.Errorf(model.KindForbidden, "only staff may change conversation status")
	}
	if !to.Valid() {
		return model.Errorf(model.KindValidation, "unknown status %q", to)
	}
	if !Allowed(from, to) {
		return model.Errorf(model.KindIllegalTransition, "cannot change status from %s to %s", from, to)
	}
	return nil
}

// Allowed reports whether staff may explicitly move a ticket from -> to.
// Transitions into assigned and in_progress happen only through Assign and
// OnMessage.
func Allowed(from, to model.Status) bool {
	switch to {
	case model.StatusResolved:
		return from.Active()
	case model.StatusClosed:
		return from.Active() || from == model.StatusResolved
	}
	return false
}

// Terminal reports whether s accepts no further changes.
func Terminal(s model.Status) bool {
	return s == model.StatusClosed
}

// StampsResolution reports whether entering s records resolved_at.
func StampsResolution(s model.Status) bool {
	return s == model.StatusResolved || s == model.StatusClosed
}
