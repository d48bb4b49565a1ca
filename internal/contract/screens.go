package contract

import (
	"net/http"
	"strings"

	"github.com/g960059/sduisync/internal/model"
)

const (
	EventSubmit         = "submit"
	EventForgotPassword = "forgotPassword"
	EventLogout         = "logout"
	EventChangePassword = "changePassword"
)

const (
	ScreenLogin          = "login"
	ScreenForgotPassword = "forgot-password"
	ScreenSettings       = "settings"
)

// missingFields lists the names in required order whose values are absent or
// blank.
func missingFields(values model.Item, required ...string) []string {
	missing := make([]string, 0)
	for _, name := range required {
		v, ok := values.StringField(name)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func missingFieldsResult(missing []string) model.EventResult {
	return model.Failure("Missing required fields: "+strings.Join(missing, ", "), "")
}

// submitBody copies the named fields out of the form values.
func submitBody(values model.Item, fields ...string) model.Item {
	body := make(model.Item, len(fields))
	for _, name := range fields {
		if v, ok := values[name]; ok {
			body[name] = v
		}
	}
	return body
}

type LoginContract struct{}

func NewLoginContract() LoginContract { return LoginContract{} }

func (LoginContract) ScreenKey() string { return ScreenLogin }
func (LoginContract) Resource() string  { return "auth" }

func (LoginContract) EndpointFor(model.ScreenEvent, model.EventContext) (string, bool) {
	return "", false
}

func (LoginContract) PermissionFor(model.ScreenEvent) (string, bool) {
	return "", false
}

func (LoginContract) Definition() Definition {
	return Definition{
		ScreenKey:    ScreenLogin,
		Resource:     "auth",
		Kind:         KindLogin,
		BasePath:     APIPrefix + "/auth/login",
		CustomEvents: []string{EventSubmit, EventForgotPassword},
	}
}

func (LoginContract) HandleCustom(eventID string, ectx model.EventContext) (model.EventResult, bool) {
	switch eventID {
	case EventSubmit:
		if missing := missingFields(ectx.FieldValues, "email", "password"); len(missing) > 0 {
			return missingFieldsResult(missing), true
		}
		return model.SubmitTo(APIPrefix+"/auth/login", http.MethodPost, submitBody(ectx.FieldValues, "email", "password")), true
	case EventForgotPassword:
		params := map[string]string{}
		if email, ok := ectx.FieldValues.StringField("email"); ok {
			params["email"] = email
		}
		return model.NavigateTo(ScreenForgotPassword, params), true
	default:
		return model.EventResult{}, false
	}
}

type ForgotPasswordContract struct{}

func NewForgotPasswordContract() ForgotPasswordContract { return ForgotPasswordContract{} }

func (ForgotPasswordContract) ScreenKey() string { return ScreenForgotPassword }
func (ForgotPasswordContract) Resource() string  { return "auth" }

func (ForgotPasswordContract) EndpointFor(model.ScreenEvent, model.EventContext) (string, bool) {
	return "", false
}

func (ForgotPasswordContract) PermissionFor(model.ScreenEvent) (string, bool) {
	return "", false
}

func (ForgotPasswordContract) Definition() Definition {
	return Definition{
		ScreenKey:    ScreenForgotPassword,
		Resource:     "auth",
		Kind:         KindCustom,
		BasePath:     APIPrefix + "/auth/forgot-password",
		CustomEvents: []string{EventSubmit},
	}
}

func (ForgotPasswordContract) HandleCustom(eventID string, ectx model.EventContext) (model.EventResult, bool) {
	if eventID != EventSubmit {
		return model.EventResult{}, false
	}
	if missing := missingFields(ectx.FieldValues, "email"); len(missing) > 0 {
		return missingFieldsResult(missing), true
	}
	return model.SubmitTo(APIPrefix+"/auth/forgot-password", http.MethodPost, submitBody(ectx.FieldValues, "email")), true
}

type SettingsContract struct{}

func NewSettingsContract() SettingsContract { return SettingsContract{} }

func (SettingsContract) ScreenKey() string { return ScreenSettings }
func (SettingsContract) Resource() string  { return "settings" }

func (SettingsContract) EndpointFor(event model.ScreenEvent, _ model.EventContext) (string, bool) {
	switch event {
	case model.EventLoadData, model.EventRefresh, model.EventSaveExisting:
		return APIPrefix + "/me/settings", true
	default:
		return "", false
	}
}

func (SettingsContract) PermissionFor(event model.ScreenEvent) (string, bool) {
	switch event {
	case model.EventLoadData, model.EventRefresh:
		return "settings.read", true
	case model.EventSaveExisting:
		return "settings.update", true
	default:
		return "", false
	}
}

func (SettingsContract) Definition() Definition {
	return Definition{
		ScreenKey:    ScreenSettings,
		Resource:     "settings",
		Kind:         KindSettings,
		BasePath:     APIPrefix + "/me/settings",
		CustomEvents: []string{EventLogout, EventChangePassword},
	}
}

func (SettingsContract) HandleCustom(eventID string, ectx model.EventContext) (model.EventResult, bool) {
	switch eventID {
	case EventLogout:
		return model.Logout(), true
	case EventChangePassword:
		fields := []string{"currentPassword", "newPassword", "confirmPassword"}
		if missing := missingFields(ectx.FieldValues, fields...); len(missing) > 0 {
			return missingFieldsResult(missing), true
		}
		next, _ := ectx.FieldValues.StringField("newPassword")
		confirm, _ := ectx.FieldValues.StringField("confirmPassword")
		if next != confirm {
			return model.Failure("Passwords do not match", "newPassword and confirmPassword differ"), true
		}
		return model.SubmitTo(APIPrefix+"/me/password", http.MethodPut, submitBody(ectx.FieldValues, "currentPassword", "newPassword")), true
	default:
		return model.EventResult{}, false
	}
}

// DashboardContract is the landing screen of one role.
type DashboardContract struct {
	role string
}

func NewDashboardContract(role string) DashboardContract {
	return DashboardContract{role: strings.ToLower(strings.TrimSpace(role))}
}

func (c DashboardContract) ScreenKey() string { return "dashboard-" + c.role }
func (c DashboardContract) Resource() string  { return "dashboard" }

func (c DashboardContract) endpoint() string {
	return APIPrefix + "/dashboards/" + c.role
}

func (c DashboardContract) EndpointFor(event model.ScreenEvent, _ model.EventContext) (string, bool) {
	switch event {
	case model.EventLoadData, model.EventRefresh:
		return c.endpoint(), true
	default:
		return "", false
	}
}

func (c DashboardContract) PermissionFor(event model.ScreenEvent) (string, bool) {
	switch event {
	case model.EventLoadData, model.EventRefresh:
		return "dashboard." + c.role + ".view", true
	default:
		return "", false
	}
}

func (c DashboardContract) Definition() Definition {
	return Definition{ScreenKey: c.ScreenKey(), Resource: "dashboard", Kind: KindDashboard, BasePath: c.endpoint()}
}
