package session

import (
	"errors"
	"fmt"
	"strings"

	"pdfbot/internal/models"
	"pdfbot/internal/operations"
)

const (
	cmdCancel  = "cancel"
	cmdMenu    = "menu"
	cmdSelect  = "select"
	cmdDone    = "done"
	cmdProcess = "process"
	cmdParam   = "param"
)

type command struct {
	name string
	arg  string
}

var keywords = map[string]string{
	"cancel":     cmdCancel,
	"stop":       cmdCancel,
	"start":      cmdMenu,
	"help":       cmdMenu,
	"menu":       cmdMenu,
	"done":       cmdDone,
	"files:done": cmdDone,
	"process":    cmdProcess,
	"retry":      cmdProcess,
}

// parseCommand normalizes commands and callback data. Plain text yields an
// empty command unless it is one of the keywords.
func parseCommand(event *models.InboundEvent) command {
	payload := strings.TrimSpace(event.Payload)
	switch event.Kind {
	case models.EventCallback:
		switch {
		case strings.HasPrefix(payload, "op:"):
			return command{name: cmdSelect, arg: payload[len("op:"):]}
		case strings.HasPrefix(payload, "param:"):
			return command{name: cmdParam, arg: payload[len("param:"):]}
		}
		if name, ok := keywords[strings.ToLower(payload)]; ok {
			return command{name: name}
		}
		return command{name: cmdParam, arg: payload}
	case models.EventCommand:
		fields := strings.Fields(strings.TrimPrefix(payload, "/"))
		if len(fields) == 0 {
			return command{name: cmdMenu}
		}
		word := strings.ToLower(fields[0])
		if name, ok := keywords[word]; ok {
			return command{name: name}
		}
		if word == operations.SkipValue {
			return command{name: cmdParam, arg: word}
		}
		return command{name: cmdSelect, arg: word}
	case models.EventText:
		lower := strings.ToLower(payload)
		if name, ok := keywords[lower]; ok && name != cmdMenu {
			return command{name: name}
		}
	}
	return command{}
}

var cancelOption = models.KeyboardOption{Label: "Cancel", Data: "cancel"}

func (m *Machine) text(key, text string) *models.OutboundReply {
	return &models.OutboundReply{
		UserID: m.session.UserID,
		Key:    key,
		Text:   text,
		Stage:  m.session.Stage,
	}
}

func (m *Machine) failure(err error) *models.OutboundReply {
	kind := models.KindOf(err)
	r := m.text("error."+strings.ToLower(string(kind)), describe(err))
	r.ErrorKind = kind
	if m.session.Stage != models.StageIdle {
		r.Keyboard = []models.KeyboardOption{cancelOption}
	}
	return r
}

// describe turns an error into a user facing sentence.
func describe(err error) string {
	kind := models.KindOf(err)
	var (
		detail string
		e      *models.Error
	)
	if errors.As(err, &e) {
		detail = e.Detail
		if e.Err != nil && kind.Validation() {
			detail = strings.TrimSpace(detail + " " + e.Err.Error())
		}
	}
	var lead string
	switch kind {
	case models.KindTooLarge:
		lead = "The file is too large."
	case models.KindTooManyPages:
		lead = "Too many pages."
	case models.KindUnsupportedKind:
		lead = "This file type is not supported here."
	case models.KindUnknownOperation:
		lead = "Unknown operation."
	case models.KindInvalidParameter:
		lead = "Invalid value."
	case models.KindInsufficientInputs:
		lead = "Not enough files."
	case models.KindSessionBusy:
		lead = "Please wait, your previous request is still running."
	case models.KindSystemOverloaded:
		lead = "The service is busy right now. Please retry in a moment."
	case models.KindRateLimited:
		lead = "Too many requests. Please slow down."
	case models.KindCancelled:
		lead = "The operation was cancelled."
	default:
		return "Processing failed. Your files were deleted, please try again."
	}
	if detail == "" {
		return lead
	}
	return lead + " (" + detail + ")"
}

func (m *Machine) menu() *models.OutboundReply {
	r := m.text("menu", "Choose an operation:")
	for _, kind := range m.cfg.Registry.Kinds() {
		desc, err := m.cfg.Registry.Lookup(kind)
		if err != nil {
			continue
		}
		r.Keyboard = append(r.Keyboard, models.KeyboardOption{Label: desc.Title, Data: "op:" + string(kind)})
	}
	if m.session.Stage != models.StageIdle {
		r.Text = fmt.Sprintf("Current operation: %s (%s).\n%s", m.session.Operation, m.session.Stage, r.Text)
		r.Keyboard = append(r.Keyboard, cancelOption)
	}
	return r
}

func (m *Machine) promptFiles() *models.OutboundReply {
	var text string
	switch {
	case m.desc.FixedArity() && m.desc.MinFiles == 1:
		text = fmt.Sprintf("%s: send the file.", m.desc.Title)
	case m.desc.FixedArity():
		text = fmt.Sprintf("%s: send %d files.", m.desc.Title, m.desc.MinFiles)
	default:
		text = fmt.Sprintf("%s: send between %d and %d files, then press Done.", m.desc.Title, m.desc.MinFiles, m.desc.MaxFiles)
	}
	r := m.text("files.prompt", text)
	if len(m.session.Files) >= m.desc.MinFiles && !m.desc.FixedArity() {
		r.Keyboard = append(r.Keyboard, models.KeyboardOption{Label: "Done", Data: "files:done"})
	}
	r.Keyboard = append(r.Keyboard, cancelOption)
	return r
}

func (m *Machine) prompt(p operations.ParamSpec) *models.OutboundReply {
	r := m.text("param."+p.Name, p.Prompt)
	r.Keyboard = paramKeyboard(p)
	return r
}

func paramKeyboard(p operations.ParamSpec) []models.KeyboardOption {
	var kb []models.KeyboardOption
	for _, c := range p.Choices {
		kb = append(kb, models.KeyboardOption{Label: c, Data: "param:" + c})
	}
	if p.Optional {
		kb = append(kb, models.KeyboardOption{Label: "Skip", Data: "param:" + operations.SkipValue})
	}
	return append(kb, cancelOption)
}
