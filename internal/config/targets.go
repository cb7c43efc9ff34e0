package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"chatbackup/internal/backup"
	"chatbackup/internal/month"
	"chatbackup/internal/throttle"

	"go.uber.org/multierr"
)

var (
	invalidPathChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	snowflake        = regexp.MustCompile(`^\d{17,20}$`)
)

// Targets converts the enabled guild entries into backup targets, in
// configured order. Entries that fail validation are returned with Err set
// (wrapping backup.ErrInvalidConfiguration) instead of failing the load, so
// one bad entry only disables itself. Disabled entries are not validated.
func (c *Config) Targets() []backup.Target {
	only := make(map[string]bool, len(c.OnlyTargets))
	for _, id := range c.OnlyTargets {
		only[id] = true
	}

	// Progress is stored per target id and chunks per folder name, so both
	// must be unique among the enabled entries.
	ids := make(map[string]string)
	names := make(map[string]string)
	var targets []backup.Target

	for i, g := range c.Guilds {
		enabled, enabledErr := g.enabled()
		if enabledErr == nil && !enabled {
			continue
		}
		if len(only) > 0 && !only[g.GuildID] {
			continue
		}

		t, err := c.resolve(g)
		err = multierr.Append(enabledErr, err)

		if err == nil {
			folder := strings.ToLower(t.Name)
			if other, dup := ids[t.ID]; dup {
				err = fmt.Errorf("guildId %q is already used by target %s; each id keeps its own progress", t.ID, other)
			} else if other, dup := names[folder]; dup {
				err = fmt.Errorf("guildName %q is already used by target %s", t.Name, other)
			} else {
				ids[t.ID] = g.label(i)
				names[folder] = g.label(i)
			}
		}

		if err != nil {
			t.Err = fmt.Errorf("%w: target %s: %v", backup.ErrInvalidConfiguration, g.label(i), err)
		}
		t.Enabled = true
		targets = append(targets, t)
	}

	return targets
}

func (c *Config) resolve(g Guild) (backup.Target, error) {
	t := backup.Target{
		ID:             g.GuildID,
		Name:           g.GuildName,
		CredentialName: g.TokenName,
		Kind:           backup.KindGuild,
	}

	var errs error
	for field, value := range map[string]string{
		"tokenName": g.TokenName,
		"guildId":   g.GuildID,
		"guildName": g.GuildName,
		"startDate": g.StartDate,
	} {
		if value == "" {
			errs = multierr.Append(errs, fmt.Errorf("%q field must be defined", field))
		}
	}
	if errs != nil {
		return t, sortedErr(errs)
	}

	if g.GuildID == backup.DMTargetID {
		t.Kind = backup.KindDM
	} else if !snowflake.MatchString(g.GuildID) {
		errs = multierr.Append(errs, fmt.Errorf(`"guildId" must be a snowflake (17-20 digits) or %q for direct messages, found %q`, backup.DMTargetID, g.GuildID))
	}

	if invalidPathChars.MatchString(g.GuildName) || strings.TrimSpace(g.GuildName) != g.GuildName || g.GuildName == "." || g.GuildName == ".." {
		errs = multierr.Append(errs, fmt.Errorf(`"guildName" is used as a folder name and must not contain any of <>:"/\|?* or surrounding spaces, found %q`, g.GuildName))
	}

	start, err := month.Parse(g.StartDate)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf(`"startDate": %w`, err))
	}
	t.StartMonth = start

	hours, err := g.throttleHours()
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	t.Throttle = throttle.Hours(hours)

	secret, err := c.credential(g.TokenName)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	t.Credential = secret

	return t, errs
}

func (c *Config) credential(name string) (string, error) {
	available := make([]string, 0, len(c.Tokens))
	for _, tok := range c.Tokens {
		available = append(available, tok.Name)
		if tok.Name != name {
			continue
		}
		if tok.Value != "" {
			return tok.Value, nil
		}
		if v := os.Getenv(tok.Env); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("token %q reads environment variable %s, which is empty", name, tok.Env)
	}
	return "", fmt.Errorf("token %q not found; available tokens: %s", name, strings.Join(available, ", "))
}

func (g Guild) enabled() (bool, error) {
	switch v := g.Enabled.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf(`optional field "enabled" must be a boolean, found %T`, v)
	}
}

func (g Guild) throttleHours() (float64, error) {
	var hours float64
	switch v := g.ThrottleHours.(type) {
	case nil:
		return 0, nil
	case int:
		hours = float64(v)
	case float64:
		hours = v
	default:
		return 0, fmt.Errorf(`optional field "throttleHours" must be a number, found %T`, v)
	}
	if hours < 0 {
		return 0, fmt.Errorf(`"throttleHours" must not be negative, found %v`, hours)
	}
	return hours, nil
}

func (g Guild) label(i int) string {
	switch {
	case g.GuildName != "" && g.GuildID != "":
		return fmt.Sprintf("%q (%s)", g.GuildName, g.GuildID)
	case g.GuildID != "":
		return g.GuildID
	case g.GuildName != "":
		return fmt.Sprintf("%q", g.GuildName)
	}
	return fmt.Sprintf("#%d", i+1)
}

// sortedErr orders aggregated errors so messages are stable across runs.
func sortedErr(err error) error {
	errs := multierr.Errors(err)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return multierr.Combine(errs...)
}
