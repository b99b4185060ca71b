package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// RunSetupWizard asks the operator for the essential relay settings and
// saves them.
func RunSetupWizard(cfg *Config, in io.Reader) error {
	reader := bufio.NewReader(in)
	interactive := in == io.Reader(os.Stdin)

	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║             Chat Relay - Setup               ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	relay := cfg.GetRelay()

	fmt.Println("── Listener ──")
	relay.Name = promptString(reader, "Relay name", relay.Name)
	relay.Address = promptString(reader, "Bind address", relay.Address)
	relay.Port = promptInt(reader, "Port", relay.Port)
	relay.MaxSessions = promptInt(reader, "Maximum sessions (0 = palette size)", relay.MaxSessions)

	fmt.Println()
	fmt.Println("── Access ──")
	if promptBool(reader, "Require a chat password", relay.PasswordHash != "" || relay.Password != "") {
		password, err := readPassword(reader, "Chat password", interactive)
		if err != nil {
			return err
		}
		relay.Password = password
		relay.PasswordHash = ""
	} else {
		relay.Password = ""
		relay.PasswordHash = ""
	}
	cfg.SetRelay(relay)

	fmt.Println()
	fmt.Println("── Admin API ──")
	cfg.mu.Lock()
	cfg.ApplicationData.API.Enabled = promptBool(reader, "Enable admin API", cfg.ApplicationData.API.Enabled)
	if cfg.ApplicationData.API.Enabled {
		cfg.ApplicationData.API.Port = promptInt(reader, "Admin API port", cfg.ApplicationData.API.Port)
		cfg.ApplicationData.API.Token = promptString(reader, "Admin API token (blank disables auth)", cfg.ApplicationData.API.Token)
	}
	cfg.ApplicationData.MQTT.Enabled = promptBool(reader, "Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
	if cfg.ApplicationData.MQTT.Enabled {
		cfg.ApplicationData.MQTT.BrokerURL = promptString(reader, "MQTT broker host", cfg.ApplicationData.MQTT.BrokerURL)
		cfg.ApplicationData.MQTT.Port = promptInt(reader, "MQTT broker port", cfg.ApplicationData.MQTT.Port)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("Configuration saved.")
	return nil
}

// PromptPassword reads the chat password from the terminal without echo.
func PromptPassword() (string, error) {
	return readPassword(bufio.NewReader(os.Stdin), "Chat password", true)
}

// readPassword disables echo when reading from a terminal and falls back
// to a plain line read otherwise.
func readPassword(reader *bufio.Reader, prompt string, fromStdin bool) (string, error) {
	fmt.Printf("  %s: ", prompt)

	fd := int(os.Stdin.Fd())
	if fromStdin && term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	input, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(input, "\r\n"), nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
