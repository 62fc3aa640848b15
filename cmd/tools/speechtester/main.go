// Command speechtester exercises the configured ASR and TTS provider by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/voicechat/backend/internal/config"
	"github.com/zhouzirui/voicechat/backend/internal/logger"
	"github.com/zhouzirui/voicechat/backend/internal/model/language"
	speechmodel "github.com/zhouzirui/voicechat/backend/internal/model/speech"
	"github.com/zhouzirui/voicechat/backend/internal/service/speech"
)

var (
	timeout   time.Duration
	sessionID string
	langKey   string
	logLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "speechtester",
		Short: "Manual checks for the configured speech provider",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(logLevel, "console")
			if err := godotenv.Load(); err != nil {
				log.Warn().Err(err).Msg("无法加载 .env，改用系统环境变量")
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 45*time.Second, "请求超时时间")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "自定义 sessionID，留空则自动生成")
	rootCmd.PersistentFlags().StringVar(&langKey, "lang", language.DefaultTag, "语言代码或名称")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "日志级别")

	rootCmd.AddCommand(transcribeCmd(), synthesizeCmd(), voicesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func transcribeCmd() *cobra.Command {
	var (
		format string
		gated  bool
	)
	cmd := &cobra.Command{
		Use:   "transcribe [audio-file]",
		Short: "Send an audio file to ASR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, lang, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("打开音频文件失败: %w", err)
			}
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log.Info().Str("session", id()).Str("format", format).Str("language", lang.Tag).Msg("开始进行 ASR 测试")

			if gated {
				outcome := svc.NewTranscriber(speech.DefaultMinClipDuration).Transcribe(ctx, id(), speechmodel.AudioClip{Data: data, Format: format}, lang.Tag)
				fmt.Fprintf(cmd.OutOrStdout(), "status=%s text=%q error=%q\n", outcome.Status, outcome.Text, outcome.ErrorMessage)
				return nil
			}

			resp, err := svc.TranscribeBuffer(ctx, id(), data, format, lang.Tag)
			if err != nil {
				return fmt.Errorf("ASR 调用失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "text=%q confidence=%.2f\n", resp.Text, resp.Confidence)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "输入音频格式，默认按扩展名推断")
	cmd.Flags().BoolVar(&gated, "gated", false, "经过时长门限与结果分类，与会话中的行为一致")
	return cmd
}

func synthesizeCmd() *cobra.Command {
	var (
		out  string
		rate int
	)
	cmd := &cobra.Command{
		Use:   "synthesize [text]",
		Short: "Synthesize text to an audio file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, lang, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log.Info().Str("session", id()).Str("language", lang.Tag).Int("wpm", rate).Msg("开始进行 TTS 测试")

			resp, err := svc.SynthesizeToBuffer(ctx, id(), text, lang.Tag, rate)
			if err != nil {
				return fmt.Errorf("TTS 调用失败: %w", err)
			}
			if len(resp.AudioData) < speech.MinAudioBytes {
				log.Warn().Int("bytes", len(resp.AudioData)).Msg("音频过小，会话中会被视为合成失败")
			}

			if out == "" {
				format := resp.Format
				if format == "" {
					format = "mp3"
				}
				out = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), format)
			}
			if err := os.WriteFile(out, resp.AudioData, 0o644); err != nil {
				return fmt.Errorf("写入音频文件失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(resp.AudioData))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "输出文件路径，默认根据格式自动生成")
	cmd.Flags().IntVar(&rate, "rate", 180, "语速 (words per minute)")
	return cmd
}

func voicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voice chosen for each language",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSpeech()
			if err != nil {
				return err
			}
			for _, l := range language.List() {
				v := speech.VoiceFor(cfg.Provider, l.Tag, cfg.TTSVoice)
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-6s %s\n", l.Name, l.Tag, v.Name)
			}
			return nil
		},
	}
}

func setup(ctx context.Context) (*speech.Service, language.Language, error) {
	lang, ok := language.Resolve(langKey)
	if !ok {
		return nil, language.Language{}, fmt.Errorf("unknown language %q", langKey)
	}
	cfg, err := config.LoadSpeech()
	if err != nil {
		return nil, language.Language{}, fmt.Errorf("配置加载失败: %w", err)
	}
	svc, err := speech.NewService(ctx, cfg)
	if err != nil {
		return nil, language.Language{}, err
	}
	return svc, lang, nil
}

func id() string {
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}
	return sessionID
}
