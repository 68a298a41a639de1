package enums

// NavigationMode records how the external payment page was presented.
type NavigationMode string

const (
	NavigationModeInline   NavigationMode = "inline"
	NavigationModePopup    NavigationMode = "popup"
	NavigationModeFullPage NavigationMode = "full_page"
)
