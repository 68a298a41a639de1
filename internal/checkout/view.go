package checkout

import (
	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
)

// View is what callers observe after a coordinator operation.
type View struct {
	Session *session.PaymentSession `json:"session"`
	// ClientSecret is returned once from Begin for embedded checkouts and is
	// never persisted.
	ClientSecret   string               `json:"client_secret,omitempty"`
	PublishableKey string               `json:"publishable_key,omitempty"`
	Navigation     enums.NavigationMode `json:"navigation,omitempty"`
	RedirectURL    string               `json:"redirect_url,omitempty"`
	PopupID        string               `json:"popup_id,omitempty"`
	// CleanURL is the current url without consumed return parameters.
	CleanURL string `json:"clean_url,omitempty"`
	// ReturnTo is the pre-redirect location to navigate back to.
	ReturnTo string `json:"return_to,omitempty"`
	// Deferred marks a cancel that could not act while a step was in flight.
	Deferred bool `json:"deferred,omitempty"`
}

// State returns the observed session state or "".
func (v *View) State() enums.SessionState {
	if v == nil || v.Session == nil {
		return ""
	}
	return v.Session.State
}

func newView(sess *session.PaymentSession) *View {
	if sess == nil {
		return &View{}
	}
	return &View{
		Session:     sess,
		Navigation:  sess.Navigation,
		RedirectURL: sess.RedirectURL,
		PopupID:     sess.PopupID,
	}
}

func (s *service) viewOf(r *run) *View {
	return newView(r.session.Clone())
}

// latestView reads the last persisted copy without taking the run lock.
func (s *service) latestView(r *run) *View {
	return newView(r.latest.Load().Clone())
}
