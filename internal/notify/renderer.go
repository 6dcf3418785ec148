// Package notify turns usage notifications into emails for the account owner.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"aisaas/internal/billing"
	"aisaas/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// RenderedEmail is the subject and bodies of one message.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

type templateData struct {
	Subject         string
	Name            string
	PlanName        string
	RequestCount    int
	Limit           int
	UsagePercentage int
	ResetDate       string
	DashboardURL    string
	UpgradeURL      string
}

var eventTypes = []types.UsageEventType{
	types.UsageEventWarning,
	types.UsageEventLimitReached,
}

// Renderer renders usage notifications from the embedded templates.
type Renderer struct {
	html         map[types.UsageEventType]*template.Template
	text         map[types.UsageEventType]*texttemplate.Template
	plans        billing.PlanRegistry
	dashboardURL string
}

// NewRenderer parses the embedded templates. dashboardURL is linked from
// every email.
func NewRenderer(plans billing.PlanRegistry, dashboardURL string) (*Renderer, error) {
	base, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("notify: read base.html: %w", err)
	}

	r := &Renderer{
		html:         make(map[types.UsageEventType]*template.Template, len(eventTypes)),
		text:         make(map[types.UsageEventType]*texttemplate.Template, len(eventTypes)),
		plans:        plans,
		dashboardURL: strings.TrimSuffix(dashboardURL, "/"),
	}
	for _, et := range eventTypes {
		name := string(et)

		h, err := template.New("base").Parse(string(base))
		if err != nil {
			return nil, fmt.Errorf("notify: parse base.html: %w", err)
		}
		content, err := templateFS.ReadFile("templates/" + name + ".html")
		if err != nil {
			return nil, fmt.Errorf("notify: read %s.html: %w", name, err)
		}
		if _, err := h.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("notify: parse %s.html: %w", name, err)
		}
		r.html[et] = h

		txt, err := texttemplate.ParseFS(templateFS, "templates/"+name+".txt")
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s.txt: %w", name, err)
		}
		r.text[et] = txt
	}
	return r, nil
}

// Render builds the email for n addressed to user.
func (r *Renderer) Render(n types.UsageNotification, user *types.User) (*RenderedEmail, error) {
	h, ok := r.html[n.EventType]
	if !ok {
		return nil, fmt.Errorf("notify: no template for event type %q", n.EventType)
	}
	data := r.data(n, user)

	var hb, tb bytes.Buffer
	if err := h.Execute(&hb, data); err != nil {
		return nil, fmt.Errorf("notify: render %s html: %w", n.EventType, err)
	}
	if err := r.text[n.EventType].Execute(&tb, data); err != nil {
		return nil, fmt.Errorf("notify: render %s text: %w", n.EventType, err)
	}
	return &RenderedEmail{Subject: data.Subject, BodyHTML: hb.String(), BodyText: tb.String()}, nil
}

func (r *Renderer) data(n types.UsageNotification, user *types.User) templateData {
	planName := string(n.Plan)
	if r.plans != nil {
		planName = r.plans.Definition(n.Plan).Name
	}

	name := "there"
	if user != nil && user.Name != "" {
		name = user.Name
	}

	subject := fmt.Sprintf("You have used %d%% of your monthly AI requests", n.UsagePercentage)
	if n.EventType == types.UsageEventLimitReached {
		subject = "You have reached your monthly AI request limit"
	}

	return templateData{
		Subject:         subject,
		Name:            name,
		PlanName:        planName,
		RequestCount:    n.RequestCount,
		Limit:           n.Limit,
		UsagePercentage: n.UsagePercentage,
		ResetDate:       n.ResetAt.UTC().Format("January 2, 2006"),
		DashboardURL:    r.dashboardURL + "/dashboard",
		UpgradeURL:      r.dashboardURL + "/pricing",
	}
}
