package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"linkd/cmd/internal/content"
	"linkd/cmd/internal/link"
	"linkd/cmd/internal/pairing"
	"linkd/cmd/internal/settings"
	"linkd/cmd/internal/transport"
)

const (
	replyUnknown  = "❓ Unknown command. Type .help or .menu"
	replyDenied   = "⛔ You are not authorized to use this command."
	replyNotSaved = "❌ Could not save the change. Try again later."
	replyFailed   = "❌ Something went wrong. Try again later."

	menuText = `📜 Menu:
• .ping
• .alive
• .status
• .menu
• .link <code>
• .unlink
• .quote
• .weather <city>

Admin:
• .broadcast <msg>
• .block <number>
• .unblock <number>
• .blocklist
• .toggle <feature>
• .linkcode [uses]
• .paircode [number]
• .pairme
• .shutdown`
)

type command struct {
	admin bool
	run   func(ctx context.Context, r *Router, c call) error
}

var commands = map[string]command{
	"ping":    {run: cmdPing},
	"alive":   {run: cmdAlive},
	"menu":    {run: cmdMenu},
	"help":    {run: cmdMenu},
	"status":  {run: cmdStatus},
	"link":    {run: cmdLink},
	"unlink":  {run: cmdUnlink},
	"quote":   {run: cmdQuote},
	"weather": {run: cmdWeather},

	"paircode":  {admin: true, run: cmdPairCode},
	"pairme":    {admin: true, run: cmdPairMe},
	"shutdown":  {admin: true, run: cmdShutdown},
	"broadcast": {admin: true, run: cmdBroadcast},
	"block":     {admin: true, run: cmdBlock},
	"unblock":   {admin: true, run: cmdUnblock},
	"blocklist": {admin: true, run: cmdBlocklist},
	"toggle":    {admin: true, run: cmdToggle},
	"linkcode":  {admin: true, run: cmdLinkCode},
}

// Names returns every command name, admin commands included.
func Names() []string {
	out := make([]string, 0, len(commands))
	for name := range commands {
		out = append(out, name)
	}
	return out
}

func cmdPing(_ context.Context, r *Router, c call) error {
	r.reply(c.chat, "🏓 pong")
	return nil
}

func cmdAlive(_ context.Context, r *Router, c call) error {
	r.reply(c.chat, "✅ Bot is alive!")
	return nil
}

func cmdMenu(_ context.Context, r *Router, c call) error {
	r.reply(c.chat, menuText)
	return nil
}

func cmdStatus(_ context.Context, r *Router, c call) error {
	f := r.deps.Settings.Features(r.cfg.SessionID)
	var b strings.Builder
	b.WriteString("📊 Features:")
	for _, name := range f.Names() {
		mark := "❌"
		if f[settings.Feature(name)] {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n• %s: %s", name, mark)
	}
	r.reply(c.chat, b.String())
	return nil
}

func cmdLink(ctx context.Context, r *Router, c call) error {
	code := firstField(c.args)
	if code == "" {
		r.reply(c.chat, "⚠️ Usage: .link <code>")
		return nil
	}
	err := r.deps.Links.Redeem(ctx, r.cfg.SessionID, code, c.sender)
	switch {
	case errors.Is(err, link.ErrInvalidCode):
		r.reply(c.chat, "❌ Invalid or expired link code.")
		return nil
	case err != nil:
		return fmt.Errorf("%w: redeem: %w", ErrLinkStore, err)
	}
	r.log.Info("link.redeemed", "sender", c.sender)
	r.reply(c.chat, "✅ linked successfully")
	return nil
}

func cmdUnlink(ctx context.Context, r *Router, c call) error {
	n, err := r.deps.Links.Revoke(ctx, r.cfg.SessionID, c.sender)
	if err != nil {
		return fmt.Errorf("%w: revoke: %w", ErrLinkStore, err)
	}
	if n == 0 {
		r.reply(c.chat, "⚠️ You are not linked.")
		return nil
	}
	r.reply(c.chat, "✅ unlinked")
	return nil
}

func cmdQuote(_ context.Context, r *Router, c call) error {
	if r.deps.Quotes == nil {
		r.reply(c.chat, "⚠️ Quotes are not configured.")
		return nil
	}
	r.async(c, "quote", func(ctx context.Context) (string, error) {
		q, err := r.deps.Quotes.Random(ctx)
		if err != nil {
			return "❌ Could not fetch a quote.", err
		}
		return fmt.Sprintf("💡 %s — %s", q.Content, q.Author), nil
	})
	return nil
}

func cmdWeather(_ context.Context, r *Router, c call) error {
	city := c.args
	if city == "" {
		r.reply(c.chat, "⚠️ Usage: .weather <city>")
		return nil
	}
	if r.deps.Weather == nil {
		r.reply(c.chat, "⚠️ Weather is not configured.")
		return nil
	}
	r.async(c, "weather", func(ctx context.Context) (string, error) {
		w, err := r.deps.Weather.Current(ctx, city)
		switch {
		case errors.Is(err, content.ErrNotFound):
			return "❌ City not found.", nil
		case err != nil:
			return "❌ Could not fetch weather.", err
		}
		return fmt.Sprintf("🌤 %s: %s\n🌡 Temp: %.1f°C\n💧 Humidity: %d%%", w.City, w.Description, w.TempC, w.Humidity), nil
	})
	return nil
}

func cmdPairCode(_ context.Context, r *Router, c call) error {
	issuePairing(r, c, firstField(c.args))
	return nil
}

// cmdPairMe issues a code for the session's registered number.
func cmdPairMe(_ context.Context, r *Router, c call) error {
	issuePairing(r, c, "")
	return nil
}

func issuePairing(r *Router, c call, phone string) {
	if r.deps.Codes == nil {
		r.reply(c.chat, "❌ Could not generate pairing code.")
		return
	}
	r.async(c, "pairing_code", func(ctx context.Context) (string, error) {
		code, err := r.deps.Codes.Issue(ctx, phone)
		if err != nil {
			var ie *pairing.IssueError
			if errors.As(err, &ie) {
				return "❌ Could not generate pairing code: " + string(ie.Reason), err
			}
			return "❌ Could not generate pairing code.", err
		}
		return "🔑 Pairing code (valid 1 min): " + code.Code, nil
	})
}

func cmdShutdown(_ context.Context, r *Router, c call) error {
	if r.deps.Shutdown == nil {
		r.reply(c.chat, "⚠️ Shutdown is not available.")
		return nil
	}
	r.reply(c.chat, "👋 Shutting down...")
	shutdown := r.deps.Shutdown
	err := r.outbox.Submit(Job{Name: "shutdown", Run: func(context.Context) error {
		// Shutdown closes this outbox; it must not run on the worker.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				r.log.Error("session.shutdown.fail", "err", err)
			}
		}()
		return nil
	}})
	return err
}

func cmdBroadcast(_ context.Context, r *Router, c call) error {
	text := c.args
	if text == "" {
		r.reply(c.chat, "⚠️ Usage: .broadcast <msg>")
		return nil
	}
	chat := c.chat
	r.submit("broadcast", func(ctx context.Context, h transport.Handle) error {
		groups, err := h.ListParticipatingGroups(ctx)
		if err != nil {
			_ = h.SendText(ctx, chat, "❌ Could not list groups.")
			return err
		}
		var failed int
		var errs []error
		for _, g := range groups {
			if err := h.SendText(ctx, g, "📢 Broadcast:\n"+text); err != nil {
				failed++
				errs = append(errs, fmt.Errorf("%s: %w", g, err))
			}
		}
		r.log.Info("command.broadcast", "groups", len(groups), "failed", failed)
		summary := fmt.Sprintf("✅ Broadcast sent to %d group(s).", len(groups)-failed)
		if failed > 0 {
			summary += fmt.Sprintf(" %d failed.", failed)
		}
		if err := h.SendText(ctx, chat, summary); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return nil
}

func cmdBlock(ctx context.Context, r *Router, c call) error {
	jid, ok := r.target(c, "block")
	if !ok {
		return nil
	}
	if jid == r.cfg.Admin {
		r.reply(c.chat, "⚠️ The admin can not be blocked.")
		return nil
	}
	added, err := r.deps.Settings.AddBlocked(ctx, r.cfg.SessionID, jid)
	if err != nil {
		return err
	}
	if !added {
		r.reply(c.chat, fmt.Sprintf("⚠️ %s is already blocked.", jid))
		return nil
	}
	r.reply(c.chat, "✅ Blocked "+string(jid))
	return nil
}

func cmdUnblock(ctx context.Context, r *Router, c call) error {
	jid, ok := r.target(c, "unblock")
	if !ok {
		return nil
	}
	removed, err := r.deps.Settings.RemoveBlocked(ctx, r.cfg.SessionID, jid)
	if err != nil {
		return err
	}
	if !removed {
		r.reply(c.chat, fmt.Sprintf("⚠️ %s is not blocked.", jid))
		return nil
	}
	r.reply(c.chat, "✅ Unblocked "+string(jid))
	return nil
}

func cmdBlocklist(_ context.Context, r *Router, c call) error {
	list := r.deps.Settings.Blocklist(r.cfg.SessionID)
	if len(list) == 0 {
		r.reply(c.chat, "📭 Blocklist is empty.")
		return nil
	}
	var b strings.Builder
	b.WriteString("🚫 Blocked:")
	for _, j := range list {
		b.WriteString("\n• ")
		b.WriteString(string(j))
	}
	r.reply(c.chat, b.String())
	return nil
}

func cmdToggle(ctx context.Context, r *Router, c call) error {
	name := firstField(c.args)
	if name == "" {
		r.reply(c.chat, "⚠️ Usage: .toggle <"+strings.Join(settings.DefaultFeatures().Names(), "|")+">")
		return nil
	}
	on, err := r.deps.Settings.Toggle(ctx, r.cfg.SessionID, name)
	switch {
	case errors.Is(err, settings.ErrUnknownFeature):
		r.reply(c.chat, "❌ Unknown feature: "+name)
		return nil
	case err != nil:
		return err
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	r.reply(c.chat, fmt.Sprintf("🔁 %s is now %s", strings.ToLower(name), state))
	return nil
}

func cmdLinkCode(ctx context.Context, r *Router, c call) error {
	uses := 1
	if arg := firstField(c.args); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			r.reply(c.chat, "⚠️ Usage: .linkcode [uses]")
			return nil
		}
		uses = n
	}
	code, tok, err := r.deps.Links.Issue(ctx, r.cfg.SessionID, c.sender, link.IssueOptions{TTL: r.cfg.LinkTTL, MaxUses: uses})
	if err != nil {
		return fmt.Errorf("%w: issue: %w", ErrLinkStore, err)
	}
	r.log.Info("link.issued", "token_id", tok.ID, "max_uses", tok.MaxUses, "expires_at", tok.ExpiresAt)
	r.reply(c.chat, fmt.Sprintf("🔗 Link code (%d use(s), expires %s UTC): %s\nSend: .link %s",
		tok.MaxUses, tok.ExpiresAt.UTC().Format("2006-01-02 15:04"), code, code))
	return nil
}

// target parses the identity argument of block and unblock.
func (r *Router) target(c call, name string) (transport.JID, bool) {
	arg := firstField(c.args)
	if arg == "" {
		r.reply(c.chat, "⚠️ Usage: ."+name+" <number>")
		return "", false
	}
	jid, err := transport.NormalizeJID(arg, r.cfg.Server)
	if err != nil {
		r.reply(c.chat, "❌ Invalid number: "+arg)
		return "", false
	}
	return jid, true
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
