package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"docrelay/internal/channel"
	"docrelay/internal/config"
	"docrelay/internal/memory"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored message counts and unique users per platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := memory.Open(ctx, cfg.Memory, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			usage, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			if len(usage) == 0 {
				fmt.Println("No conversations stored yet.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tMESSAGES\tUSERS")
			var msgs, users int64
			for _, u := range usage {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", channel.PlatformName(u.Platform), u.MessageCount, u.UniqueUsers)
				msgs += u.MessageCount
				users += u.UniqueUsers
			}
			fmt.Fprintf(tw, "total\t%d\t%d\n", msgs, users)
			return tw.Flush()
		},
	}
}

func messengerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messenger",
		Short: "Manage the Facebook page behind the Messenger channel",
	}

	var greeting, menuURL string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Set the greeting, Get Started button and persistent menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := loadMessenger()
			if err != nil {
				return err
			}
			if greeting == "" {
				persona, err := config.LoadPersona(cfg.Relay.PersonaFile)
				if err != nil {
					return err
				}
				greeting = persona.Greeting
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := m.SetupProfile(ctx, channel.ProfileSettings{Greeting: greeting, MenuURL: menuURL}); err != nil {
				return err
			}
			fmt.Println("Messenger profile configured.")
			return nil
		},
	}
	setup.Flags().StringVar(&greeting, "greeting", "", "greeting text (default: persona greeting)")
	setup.Flags().StringVar(&menuURL, "menu-url", "", "URL for the Health Tips menu entry")
	cmd.AddCommand(setup)

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the page the access token belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := loadMessenger()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			info, err := m.PageInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Page:     %s\n", info.Name)
			fmt.Printf("ID:       %s\n", info.ID)
			fmt.Printf("Category: %s\n", info.Category)
			return nil
		},
	})
	return cmd
}

func loadMessenger() (*channel.Messenger, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Channels.Messenger.PageAccessToken == "" {
		return nil, nil, fmt.Errorf("channels.messenger.pageAccessToken is not set")
	}
	return channel.NewMessenger(channel.MessengerChannelConfig{
		Config: cfg.Channels.Messenger,
		Logger: logger,
	}), cfg, nil
}

func mediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Manage transient media assets",
	}

	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete media assets older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			assets, err := newAssetStore(cfg)
			if err != nil {
				return err
			}
			maxAge := olderThan
			if maxAge <= 0 {
				maxAge = retention(cfg.Media)
			}
			n, err := assets.Sweep(maxAge)
			fmt.Printf("Removed %d asset(s) older than %s from %s\n", n, maxAge, assets.Dir())
			return err
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 0, "override media.retentionHours (e.g. 2h)")
	cmd.AddCommand(sweep)
	return cmd
}
