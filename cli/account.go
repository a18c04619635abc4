package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/encryption"
	"github.com/deemkeen/fedcore/message"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type accountView struct {
	Id          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	ActorURL    string    `json:"actorUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

func viewAccount(acc *domain.Account, sslDomain string) accountView {
	return accountView{
		Id:          acc.Id,
		Username:    acc.Username,
		DisplayName: acc.DisplayName,
		ActorURL:    activitypub.ActorURI(sslDomain, acc.Username),
		CreatedAt:   acc.CreatedAt,
	}
}

// keypair is swapped in tests; 4096-bit generation is slow.
var keypair = util.GeneratePemKeypair

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the local accounts remote servers can look up",
	}

	var displayName string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local account with a fresh signing key pair",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			username := args[0]
			if _, err := domain.ParseHandle(username + "@" + a.conf.Conf.SslDomain); err != nil {
				return fmt.Errorf("invalid username %q: %w", username, err)
			}
			keys, err := keypair()
			if err != nil {
				return err
			}
			acc := &domain.Account{
				Username:      username,
				DisplayName:   displayName,
				WebPublicKey:  keys.Public,
				WebPrivateKey: keys.Private,
			}
			if err := a.db.CreateAccount(cmd.Context(), acc); err != nil {
				return fmt.Errorf("create account %s: %w", username, err)
			}
			log.Info().Str("component", "account").Stringer("account", acc).Msg("Account created")
			return printJSON(cmd.OutOrStdout(), viewAccount(acc, a.conf.Conf.SslDomain))
		}),
	}
	create.Flags().StringVar(&displayName, "display-name", "", "name shown on the actor document")

	list := &cobra.Command{
		Use:   "list",
		Short: "List local accounts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			accounts, err := a.db.ReadAccounts(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]accountView, 0, len(accounts))
			for i := range accounts {
				views = append(views, viewAccount(&accounts[i], a.conf.Conf.SslDomain))
			}
			return printJSON(cmd.OutOrStdout(), views)
		}),
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newMessageService(a *app) (*message.Service, error) {
	secret := a.conf.Encryption.Secret
	var opts []encryption.Option
	if a.conf.Encryption.LegacyDecrypt {
		opts = append(opts, encryption.WithLegacyDecrypt(secret))
	}
	cipher, err := encryption.New(secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	return message.NewService(a.db, cipher, nil), nil
}

func accountIds(ctx context.Context, a *app, usernames ...string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(usernames))
	for _, u := range usernames {
		acc, err := a.db.ReadAccByUsername(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", u, err)
		}
		ids = append(ids, acc.Id)
	}
	return ids, nil
}

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and read encrypted direct messages between local accounts",
	}

	send := &cobra.Command{
		Use:   "send <from> <to> <text>...",
		Short: "Encrypt and store a direct message",
		Args:  cobra.MinimumNArgs(3),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := newMessageService(a)
			if err != nil {
				return err
			}
			ids, err := accountIds(cmd.Context(), a, args[0], args[1])
			if err != nil {
				return err
			}
			m, err := svc.Send(cmd.Context(), ids[0], ids[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": m.Id, "createdAt": m.CreatedAt})
		}),
	}

	list := &cobra.Command{
		Use:   "list <user> <user>",
		Short: "Show the conversation between two accounts, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := newMessageService(a)
			if err != nil {
				return err
			}
			ids, err := accountIds(cmd.Context(), a, args[0], args[1])
			if err != nil {
				return err
			}
			msgs, err := svc.Conversation(cmd.Context(), ids[0], ids[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		}),
	}

	cmd.AddCommand(send, list)
	return cmd
}
