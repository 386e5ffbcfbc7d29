package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"unigate/internal/models"
)

func newChatCmd(opts *Options) *cobra.Command {
	var model string
	var system string
	var toolNames []string
	var noStream bool
	var temperature float64
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "chat \"<prompt>\"",
		Short: "Send one prompt through the gateway and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(args[0])
			if prompt == "" {
				return errors.New("prompt cannot be empty")
			}

			cfg, closer, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			gateway, catalog, err := buildGateway(ctx, cfg, nil, true)
			if err != nil {
				return err
			}
			defer catalog.Close()

			req := &models.ChatCompletionRequest{Model: model}
			if system != "" {
				req.Messages = append(req.Messages, models.Message{Role: models.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, models.Message{Role: models.RoleUser, Content: prompt})
			for _, name := range toolNames {
				req.Tools = append(req.Tools, models.ToolDeclaration{Name: name})
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}

			out := cmd.OutOrStdout()
			if noStream {
				resp, err := gateway.Complete(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Message.Content)
				return nil
			}

			stream, err := gateway.Stream(ctx, req)
			if err != nil {
				return err
			}
			defer stream.Close()

			for stream.Next() {
				fmt.Fprint(out, stream.Text())
			}
			fmt.Fprintln(out)
			return stream.Err()
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "ollama:llama3", "Model as backend:model_name")
	cmd.Flags().StringVar(&system, "system", "", "Optional system prompt")
	cmd.Flags().StringSliceVar(&toolNames, "tool", nil, "Tool the model may call (repeatable)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the complete reply instead of streaming")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum tokens to generate")

	return cmd
}
