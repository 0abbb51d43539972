package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"report-runner/internal/catalog"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/staging"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Planner is the built-in rule-based oracle. It scores catalog actions by
// keyword overlap with the prompt and fills parameters by naming convention.
// It exists so the pipeline runs end to end without an external brain; any
// smarter decision process plugs in behind the same interface.
type Planner struct {
	catalog *catalog.Catalog
	logger  logging.Logger
}

// NewPlanner creates a planner over the given catalog
func NewPlanner(cat *catalog.Catalog) *Planner {
	return &Planner{
		catalog: cat,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "planner")),
	}
}

// Decide implements Oracle
func (p *Planner) Decide(ctx context.Context, sc StageContext) ([]Decision, error) {
	switch sc.Stage {
	case StageFetch:
		return p.planFetch(sc)
	case StageDeriveQuery:
		return p.deriveQuery(sc)
	case StageReport:
		return p.planReport(sc)
	case StageDelivery:
		return p.planDelivery(sc)
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown stage '%s'", sc.Stage))
	}
}

func (p *Planner) planFetch(sc StageContext) ([]Decision, error) {
	action, err := p.pickAction(catalog.GroupDatabase, sc.Prompt, nil)
	if err != nil {
		return nil, err
	}

	params, err := p.fillParams(action, func(name string, spec catalog.ParameterSpec) (interface{}, bool) {
		// an enum value mentioned verbatim in the prompt wins
		for _, allowed := range spec.Enum {
			if s, ok := allowed.(string); ok && containsWord(sc.Prompt, s) {
				return s, true
			}
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}

	return []Decision{{ActionName: action.Name, Params: params}}, nil
}

func (p *Planner) deriveQuery(sc StageContext) ([]Decision, error) {
	if len(sc.Tables) == 0 {
		return nil, errors.ValidationError("no staged tables to derive a query from")
	}
	table := sc.Tables[0]

	tokens := tokenSet(sc.Prompt)
	var query string
	switch {
	case tokens["sum"] || tokens["total"]:
		if col, ok := numericColumn(table); ok {
			query = fmt.Sprintf("SELECT SUM(%s) AS total_%s FROM %s", col, col, table.Name)
			break
		}
		query = fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", table.Name)
	case tokens["count"] || tokens["many"]:
		query = fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", table.Name)
	case tokens["average"] || tokens["avg"] || tokens["mean"]:
		if col, ok := numericColumn(table); ok {
			query = fmt.Sprintf("SELECT AVG(%s) AS avg_%s FROM %s", col, col, table.Name)
			break
		}
		query = fmt.Sprintf("SELECT * FROM %s", table.Name)
	default:
		query = fmt.Sprintf("SELECT * FROM %s", table.Name)
	}

	return []Decision{{SQL: query}}, nil
}

func (p *Planner) planReport(sc StageContext) ([]Decision, error) {
	action, err := p.pickAction(catalog.GroupDocGen, sc.Prompt, nil)
	if err != nil {
		return nil, err
	}

	params, err := p.fillParams(action, func(name string, spec catalog.ParameterSpec) (interface{}, bool) {
		switch {
		case spec.Type == catalog.TypeString && isTitleParam(name):
			return sc.Prompt, true
		case isRowsParam(name):
			rows := make([]interface{}, len(sc.Rows))
			for i, r := range sc.Rows {
				rows[i] = r
			}
			return rows, true
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}

	return []Decision{{ActionName: action.Name, Params: params}}, nil
}

func (p *Planner) planDelivery(sc StageContext) ([]Decision, error) {
	if len(sc.Recipients) == 0 {
		return nil, errors.ValidationError("no recipients to deliver to")
	}
	if sc.DocumentURL == "" {
		return nil, errors.ValidationError("no document to deliver")
	}

	decisions := make([]Decision, 0, len(sc.Recipients))
	for _, recipient := range sc.Recipients {
		var hints []string
		switch recipient.Channel {
		case ChannelEmail:
			hints = []string{"email", "mail"}
		case ChannelChat:
			hints = []string{"chat", "slack", "message", "channel"}
		default:
			return nil, errors.ValidationError(fmt.Sprintf("unknown delivery channel '%s'", recipient.Channel))
		}

		action, err := p.pickAction(catalog.GroupComms, strings.Join(hints, " "), hints)
		if err != nil {
			return nil, err
		}

		r := recipient
		params, err := p.fillParams(action, func(name string, spec catalog.ParameterSpec) (interface{}, bool) {
			return deliveryParam(name, r, sc)
		})
		if err != nil {
			return nil, err
		}

		decisions = append(decisions, Decision{
			ActionName:   action.Name,
			Params:       params,
			AddresseeKey: recipient.Address,
		})
	}
	return decisions, nil
}

// pickAction scores every action in the group by token overlap with the text
// and returns the best match. mustContain, when set, restricts candidates to
// actions whose name or description mentions at least one of the hints.
func (p *Planner) pickAction(group string, text string, mustContain []string) (*catalog.ActionDescriptor, error) {
	candidates := p.catalog.Group(group)
	if len(candidates) == 0 {
		return nil, errors.ConfigError(fmt.Sprintf("no actions registered in group '%s'", group))
	}

	tokens := tokenSet(text)
	var best *catalog.ActionDescriptor
	bestScore := -1

	for _, action := range candidates {
		haystack := strings.ToLower(action.Name + " " + action.Description)
		if len(mustContain) > 0 {
			matched := false
			for _, hint := range mustContain {
				if strings.Contains(haystack, hint) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		score := 0
		for _, token := range tokenPattern.FindAllString(haystack, -1) {
			if tokens[token] {
				score++
			}
		}
		if score > bestScore {
			best = action
			bestScore = score
		}
	}

	if best == nil {
		return nil, errors.ValidationError(
			fmt.Sprintf("no action in group '%s' matches %v", group, mustContain))
	}
	return best, nil
}

// fillParams populates an action's parameters from the stage-specific guess
// function, falling back to declared defaults. A required parameter nothing
// can fill is an error, never silently omitted.
func (p *Planner) fillParams(action *catalog.ActionDescriptor, guess func(string, catalog.ParameterSpec) (interface{}, bool)) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	for name, spec := range action.Parameters {
		if value, ok := guess(name, spec); ok {
			params[name] = value
			continue
		}
		if spec.Default != nil {
			params[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, errors.ValidationError(
				fmt.Sprintf("cannot infer required parameter '%s' of action '%s'", name, action.Name))
		}
	}
	return params, nil
}

func deliveryParam(name string, r Recipient, sc StageContext) (interface{}, bool) {
	switch strings.ToLower(name) {
	case "to", "recipient", "recipients", "email", "address":
		return r.Address, true
	case "channel", "channel_id", "channels":
		return r.Address, true
	case "thread", "thread_ts", "thread_id":
		if r.ThreadID == "" {
			return nil, false
		}
		return r.ThreadID, true
	case "url", "file_url", "document_url", "link", "attachment":
		return sc.DocumentURL, true
	case "message", "text", "body", "subject", "summary":
		return fmt.Sprintf("Report ready: %s", sc.Prompt), true
	}
	return nil, false
}

func isTitleParam(name string) bool {
	switch strings.ToLower(name) {
	case "title", "heading", "name", "prompt", "subject", "description":
		return true
	}
	return false
}

func isRowsParam(name string) bool {
	switch strings.ToLower(name) {
	case "rows", "data", "records", "values", "document_values", "table":
		return true
	}
	return false
}

func numericColumn(table staging.TableInfo) (string, bool) {
	// prefer an obviously money-like column, then any REAL, then any INTEGER
	for _, c := range table.Columns {
		switch strings.ToLower(c.Name) {
		case "total", "amount", "value", "price", "sum":
			return c.Name, true
		}
	}
	for _, c := range table.Columns {
		if c.Type == "REAL" {
			return c.Name, true
		}
	}
	for _, c := range table.Columns {
		if c.Type == "INTEGER" && !strings.EqualFold(c.Name, "id") {
			return c.Name, true
		}
	}
	return "", false
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[token] = true
	}
	return set
}

func containsWord(text, word string) bool {
	return tokenSet(text)[strings.ToLower(word)]
}
