package services

import (
	"bufio"
	context2 "context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/requiem-ai/apiai/config"
	"github.com/requiem-ai/apiai/context"
	"github.com/requiem-ai/apiai/llm"
	tb "gopkg.in/telebot.v3"
)

// SetupService asks for whatever the configured provider and the bot still
// need, saves the answers to .env and pushes the updated config to the context.
type SetupService struct {
	context.DefaultService

	prompt *prompter
}

const SETUP_SVC = "setup_svc"

const verificationTimeout = 5 * time.Minute

func (svc SetupService) Id() string {
	return SETUP_SVC
}

func (svc *SetupService) Configure(ctx *context.Context) error {
	if err := svc.DefaultService.Configure(ctx); err != nil {
		return err
	}
	if svc.prompt == nil {
		svc.prompt = newPrompter(os.Stdin, os.Stdout)
	}

	if err := svc.runProviderSetup(); err != nil {
		return err
	}

	return svc.runTelegramSetup()
}

type envPrompt struct {
	Key   string
	Label string
}

// missingProviderKeys lists the credentials the configured provider still needs.
func missingProviderKeys(cfg *config.Config) []envPrompt {
	var prompts []envPrompt
	switch cfg.Provider {
	case llm.AnthropicID:
		if cfg.Anthropic.APIKey == "" {
			prompts = append(prompts, envPrompt{"ANTHROPIC_API_KEY", "Anthropic API key"})
		}
	case llm.OpenAIID:
		if cfg.OpenAI.APIKey == "" {
			prompts = append(prompts, envPrompt{"OPENAI_API_KEY", "OpenAI API key"})
		}
	case llm.RelayID:
		if cfg.Relay.URL == "" {
			prompts = append(prompts, envPrompt{"RELAY_URL", "Relay endpoint URL"})
		}
		if cfg.Relay.UseEncryption && cfg.Relay.EncryptionKey == "" {
			prompts = append(prompts, envPrompt{"RELAY_ENCRYPTION_KEY", "Relay encryption key (64 hex chars or passphrase)"})
		}
	}
	return prompts
}

func (svc *SetupService) runProviderSetup() error {
	prompts := missingProviderKeys(svc.Config())
	if len(prompts) == 0 {
		return nil
	}

	svc.prompt.say(fmt.Sprintf("Provider %q is missing credentials.", svc.Config().Provider))
	if !svc.prompt.confirm("Enter them now? (y/N): ") {
		return nil
	}

	updates := make(map[string]string, len(prompts))
	for _, p := range prompts {
		value, err := svc.prompt.required(p.Label, "")
		if err != nil {
			return err
		}
		updates[p.Key] = value
	}

	if err := svc.saveEnv(updates); err != nil {
		return err
	}
	svc.prompt.say("Provider credentials saved to .env.")
	return nil
}

func (svc *SetupService) runTelegramSetup() error {
	secret := svc.Config().Telegram.Token

	if secret == "" {
		svc.prompt.say(
			"apiai Telegram setup",
			"Press Enter to keep the current value shown in brackets.",
			"",
			"BotFather tips:",
			"- Create a bot with /newbot, then copy the token.",
			"- No webhook needed; this service uses long polling.",
			"",
		)

		var err error
		secret, err = svc.prompt.required("Bot token (from BotFather /newbot)", "")
		if err != nil {
			return err
		}
		if err := svc.saveEnv(map[string]string{"TELEGRAM_SECRET": secret}); err != nil {
			return err
		}
		svc.prompt.say("Telegram setup saved to .env.")
	}

	if err := svc.registerTelegramBotCommands(secret); err != nil {
		return err
	}
	return svc.runTelegramUserIDSetup(secret)
}

func (svc *SetupService) runTelegramUserIDSetup(secret string) error {
	if svc.Config().Telegram.UserID != 0 {
		return nil
	}

	code, err := verificationCode()
	if err != nil {
		return err
	}

	svc.prompt.say(
		"",
		"Telegram user verification",
		"Send this code to the bot in Telegram to authorize your user:",
		code,
		"",
	)

	ctx, cancel := context2.WithTimeout(svc.Context().Root(), verificationTimeout)
	defer cancel()

	userID, err := awaitVerification(ctx, secret, code)
	if err != nil {
		return err
	}

	if err := svc.saveEnv(map[string]string{"USER_ID": strconv.FormatInt(userID, 10)}); err != nil {
		return err
	}
	svc.prompt.say("USER_ID saved to .env.")
	return nil
}

// saveEnv exports updates to the process, persists them to .env and
// republishes the config with the new values applied.
func (svc *SetupService) saveEnv(updates map[string]string) error {
	for key, value := range updates {
		_ = os.Setenv(key, value)
	}

	envPath, err := envFilePath()
	if err != nil {
		return err
	}
	if err := updateEnvFile(envPath, updates); err != nil {
		return err
	}

	next := *svc.Config()
	if err := next.ApplyEnv(); err != nil {
		return err
	}
	svc.Context().SetConfig(&next)
	return nil
}

func (svc *SetupService) registerTelegramBotCommands(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("telegram bot token is required to register commands")
	}

	bot, err := tb.NewBot(tb.Settings{
		Token:  secret,
		Poller: &tb.LongPoller{Timeout: 1 * time.Second},
	})
	if err != nil {
		return err
	}

	if err := bot.SetCommands(botCommands(), tb.CommandScope{Type: tb.CommandScopeDefault}); err != nil {
		return err
	}

	svc.prompt.say("Telegram commands and menu updated.")
	return nil
}

func botCommands() []tb.Command {
	return []tb.Command{
		{Text: "start", Description: "Show quick start instructions"},
		{Text: "clear", Description: "Start a new conversation in this topic"},
		{Text: "cancel", Description: "Cancel the last request"},
		{Text: "provider", Description: "Show or switch provider (/provider anthropic|openai|relay)"},
		{Text: "chat", Description: "Toggle chat mode (/chat on|off)"},
	}
}

// verificationCode returns a random 6 digit code, zero padded.
func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// awaitVerification long-polls the bot until someone sends code and returns
// their user id.
func awaitVerification(ctx context2.Context, secret, code string) (int64, error) {
	bot, err := tb.NewBot(tb.Settings{
		Token:  secret,
		Poller: &tb.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return 0, err
	}

	verified := make(chan int64, 1)
	bot.Handle(tb.OnText, func(c tb.Context) error {
		sender := c.Sender()
		if sender == nil || strings.TrimSpace(c.Text()) != code {
			return nil
		}
		select {
		case verified <- sender.ID:
		default:
		}
		return c.Send("Verification received. You can return to the setup.")
	})

	go bot.Start()
	defer bot.Stop()

	select {
	case userID := <-verified:
		return userID, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("telegram verification: %w", ctx.Err())
	}
}

// prompter reads answers line by line from a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) say(lines ...string) {
	for _, line := range lines {
		fmt.Fprintln(p.out, line)
	}
}

func (p *prompter) confirm(question string) bool {
	fmt.Fprint(p.out, question)
	answer, _ := p.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// ask shows label with current in brackets and returns the answer, or
// current when the answer is blank.
func (p *prompter) ask(label, current string) (string, error) {
	if current != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, current)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}

	answer, err := p.in.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if err != nil && (answer == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	if answer == "" {
		return current, nil
	}
	return answer, nil
}

func (p *prompter) required(label, current string) (string, error) {
	for {
		value, err := p.ask(label, current)
		if err != nil {
			return "", err
		}
		if value != "" {
			return value, nil
		}
		p.say("Value required.")
	}
}

func envFilePath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, ".env"), nil
}

// updateEnvFile rewrites the assignments for the keys in updates in place,
// keeping comments, ordering and any "export " prefix. Keys not present yet
// are appended in sorted order.
func updateEnvFile(path string, updates map[string]string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var lines []string
	if content := strings.TrimRight(string(existing), "\n"); content != "" {
		lines = strings.Split(content, "\n")
	}

	pending := maps.Clone(updates)
	for i, line := range lines {
		prefix, key := parseEnvKey(line)
		value, ok := pending[key]
		if key == "" || !ok {
			continue
		}
		lines[i] = prefix + key + "=" + formatEnvValue(value)
		delete(pending, key)
	}

	for _, key := range slices.Sorted(maps.Keys(pending)) {
		lines = append(lines, key+"="+formatEnvValue(pending[key]))
	}

	output := strings.Join(lines, "\n")
	if output != "" {
		output += "\n"
	}
	return os.WriteFile(path, []byte(output), 0o600)
}

func parseEnvKey(line string) (prefix, key string) {
	trimmed := strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(trimmed, "export "); ok {
		prefix = "export "
		trimmed = strings.TrimSpace(rest)
	}

	name, _, found := strings.Cut(trimmed, "=")
	name = strings.TrimSpace(name)
	if !found || name == "" || strings.HasPrefix(name, "#") {
		return "", ""
	}
	return prefix, name
}

var envValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func formatEnvValue(value string) string {
	switch {
	case value == "":
		return `""`
	case strings.ContainsAny(value, " \t#\"\\"):
		return `"` + envValueEscaper.Replace(value) + `"`
	default:
		return value
	}
}
