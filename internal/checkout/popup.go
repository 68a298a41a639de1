package checkout

import (
	"context"
	"errors"

	"github.com/angelmondragon/kluret-checkout/internal/gateway"
	"github.com/angelmondragon/kluret-checkout/internal/popup"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
)

// startRedirectLocked hands the customer to the provider page. A popup is
// preferred; a blocked popup falls back to full-page navigation.
func (s *service) startRedirectLocked(ctx context.Context, r *run, adapter gateway.Adapter, intent *gateway.Intent, popupCapable bool) error {
	sess := r.session
	outcome, err := adapter.Confirm(ctx, sess.UserID, intent, nil)
	if err != nil {
		return err
	}
	if sess.ReturnContext != "" {
		if err := s.store.SaveReturnContext(ctx, sess.UserID, sess.ReturnContext); err != nil {
			return err
		}
	}

	handle, err := s.popups.Open(ctx, popup.OpenRequest{
		UserID:        sess.UserID,
		URL:           outcome.RedirectURL,
		ClientCapable: popupCapable,
	})
	switch {
	case err == nil:
		sess.Navigation = enums.NavigationModePopup
		sess.PopupID = handle.ID()
		s.watchPopupLocked(r, handle)
	case errors.Is(err, popup.ErrPopupBlocked):
		sess.Navigation = enums.NavigationModeFullPage
	default:
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "popup open failed, using full-page navigation")
		sess.Navigation = enums.NavigationModeFullPage
	}
	if err := s.persist(ctx, r); err != nil {
		return err
	}
	if sess.Navigation == enums.NavigationModePopup {
		s.startPollLocked(r)
	}
	return nil
}

func (s *service) watchPopupLocked(r *run, handle popup.Handle) {
	if r.watch != nil {
		r.watch.Stop()
	}
	popupID := handle.ID()
	r.watch = s.monitor.Watch(handle, func() {
		s.onPopupClosed(r, popupID)
	})
}

// onPopupClosed cancels the session if no terminal outcome arrived first.
func (s *service) onPopupClosed(r *run, popupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()
	if _, err := s.loadLocked(ctx, r); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "user_id", r.userID), "reload payment session after popup closed failed", err)
		return
	}
	s.cancelForPopupLocked(ctx, r, popupID)
}

func (s *service) cancelForPopupLocked(ctx context.Context, r *run, popupID string) {
	sess := r.session
	if sess == nil || sess.PopupID != popupID || sess.State != enums.SessionStateAwaitingConfirmation {
		return
	}
	ctx = s.sessionContext(ctx, sess)
	if err := s.move(ctx, r, enums.SessionStateCancelled); err != nil {
		s.logg.Error(ctx, "cancel session after popup closed failed", err)
		return
	}
	s.logg.Info(ctx, "payment popup closed before completion")
}

// PopupHeartbeat extends the liveness lease of the user's payment popup.
func (s *service) PopupHeartbeat(ctx context.Context, userID, popupID string) error {
	r, err := s.runFor(userID)
	if err != nil {
		return err
	}
	if err := s.popups.Heartbeat(r.userID, popupID); err != nil {
		if errors.Is(err, popup.ErrUnknownPopup) {
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "popup not tracked")
		}
		return err
	}
	return nil
}

// PopupClosed records a client closure report and cancels the session when
// it is still awaiting confirmation.
func (s *service) PopupClosed(ctx context.Context, userID, popupID string) (*View, error) {
	r, err := s.runFor(userID)
	if err != nil {
		return nil, err
	}
	if err := s.popups.ReportClosed(r.userID, popupID); err != nil && !errors.Is(err, popup.ErrUnknownPopup) {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, err := s.loadLocked(ctx, r)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// The session already settled and left the slot.
		s.dropRun(r)
		return &View{}, nil
	}
	if sess.PopupID != popupID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "popup not tracked")
	}
	s.cancelForPopupLocked(context.WithoutCancel(ctx), r, popupID)
	return s.viewOf(r), nil
}
