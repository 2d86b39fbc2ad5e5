// Command-line interface for the chat relay: an in-process REPL and a
// one-shot speech helper.
package main

import (
	"bufio"
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/services/tts"
	"chatrelay/chatrelay/sources/memory"
	"chatrelay/chatrelay/types"
	"chatrelay/chatrelay/utils/color"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/sanitize"
	wire "chatrelay/chatrelay/utils/types"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var noColor bool
	root := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Chat relay command-line tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.Disable()
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			return logging.InitLogger(cfg.LogDir, false)
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.AddCommand(chatCmd())
	root.AddCommand(speakCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	var noStream bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured provider through an in-process relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			sanitizer, err := sanitize.New(cfg.SanitizePatterns, cfg.MaxContentLength)
			if err != nil {
				return err
			}
			gen := llm.NewClient(cfg, sanitizer)
			relay := controllers.NewRelayController(memory.NewStore(), gen, cfg.GenerationTimeout,
				controllers.WithSanitizer(sanitizer))

			out := cmd.OutOrStdout()
			if gen.Mocked() {
				fmt.Fprintln(out, color.ColorWarning("(no API key configured, replies are mocked)"))
			}
			fmt.Fprintln(out, color.ColorInfo("Type your message or 'exit' to quit."))
			return repl(cmd.Context(), relay, cmd.InOrStdin(), out, !noStream)
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full reply instead of streaming")
	return cmd
}

// repl keeps the running history client-side and sends all of it each
// turn, the same way the web client does.
func repl(ctx context.Context, relay *controllers.RelayController, in io.Reader, out io.Writer, stream bool) error {
	var (
		history        []wire.ChatMessage
		conversationID string
	)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, color.ColorPrompt("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return nil
		}
		if line == "" {
			continue
		}

		history = append(history, wire.ChatMessage{Role: types.RoleUser, Content: line})
		req := wire.ChatRequest{Messages: history, ConversationID: conversationID, Stream: stream}

		reply, id, err := ask(ctx, relay, req, out)
		if err != nil {
			// drop the failed turn so the next one starts clean
			history = history[:len(history)-1]
			fmt.Fprintln(out, color.ColorError("error: "+err.Error()))
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		conversationID = id
		history = append(history, wire.ChatMessage{Role: types.RoleAssistant, Content: reply})
	}
}

func ask(ctx context.Context, relay *controllers.RelayController, req wire.ChatRequest, out io.Writer) (string, string, error) {
	fmt.Fprint(out, color.ColorPrompt("relay> "))
	if !req.Stream {
		resp, err := relay.Chat(ctx, req)
		if err != nil {
			return "", "", err
		}
		fmt.Fprintln(out, color.ColorReply(resp.Content))
		return resp.Content, resp.ConversationID, nil
	}

	chunks, err := relay.ChatStream(ctx, req)
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	for c := range chunks {
		switch {
		case c.Error != "":
			fmt.Fprintln(out)
			return "", "", errors.New(c.Error)
		case c.Done:
			fmt.Fprintln(out)
			return sb.String(), c.ConversationID, nil
		default:
			sb.WriteString(c.Chunk)
			fmt.Fprint(out, color.ColorReply(c.Chunk))
		}
	}
	fmt.Fprintln(out)
	return "", "", errors.New("stream cancelled")
}

func speakCmd() *cobra.Command {
	var text, voice, outPath string
	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Synthesize speech to an MP3 file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := wire.SpeechRequest{Text: text, VoiceID: voice}
			if err := req.Validate(); err != nil {
				return err
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			client := tts.NewClient(tts.Config{
				APIKey:  cfg.ElevenLabsAPIKey,
				VoiceID: cfg.ElevenLabsVoiceID,
				BaseURL: cfg.ElevenLabsBaseURL,
				Mock:    cfg.EnableMocking,
			}, nil)

			audio, err := client.Synthesize(cmd.Context(), req.Text, req.VoiceID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, audio, 0o644); err != nil {
				return errors.Wrapf(err, "write %s", outPath)
			}
			logging.AppLogger.Info("speech written", zap.String("path", outPath), zap.Int("bytes", len(audio)))
			fmt.Fprintln(cmd.OutOrStdout(), color.ColorInfo(fmt.Sprintf("wrote %d bytes to %s", len(audio), outPath)))
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to speak (required)")
	cmd.Flags().StringVar(&voice, "voice", "", "voice id (default from ELEVENLABS_VOICE_ID)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "speech.mp3", "output file")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}
