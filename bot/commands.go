package bot

import (
	"context"
	"fmt"
	"strings"

	"solgate/logging"
	"solgate/models"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "verify",
			Description: "Link a Solana wallet to your account in this server",
		},
		{
			Name:        "unlink",
			Description: "Remove your linked wallet and any granted roles",
		},
		{
			Name:        "gating",
			Description: "Manage holdings-based role rules",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List this server's gating rules",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-token",
					Description: "Grant a role for holding a token amount",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Role to grant", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "mint", Description: "Token mint address", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "amount", Description: "Minimum balance", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-usd",
					Description: "Grant a role for holding a token USD value",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Role to grant", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "mint", Description: "Token mint address", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "usd", Description: "Minimum USD value", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "asset", Description: "Price provider asset id (e.g. solana)", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-nft",
					Description: "Grant a role for holding NFTs of a verified collection",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Role to grant", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "collection", Description: "Verified collection address", Required: true},
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "count", Description: "Minimum NFT count", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Delete a rule",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "rule", Description: "Rule id", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "enable",
					Description: "Enable a rule",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "rule", Description: "Rule id", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "disable",
					Description: "Disable a rule",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "rule", Description: "Rule id", Required: true},
					},
				},
			},
		},
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.GuildID == "" || i.Member == nil {
		b.reply(i, "This command only works inside a server.")
		return
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case "verify":
		b.handleVerify(i)
	case "unlink":
		b.handleUnlink(i)
	case "gating":
		b.handleGating(i, data)
	}
}

func (b *Bot) handleVerify(i *discordgo.InteractionCreate) {
	handle, err := b.verify.CreateSession(context.Background(), i.GuildID, i.Member.User.ID)
	if err != nil {
		logging.Error("creating verify session failed", zap.Error(err))
		b.reply(i, "Could not start verification, try again later.")
		return
	}
	b.reply(i, fmt.Sprintf(
		"Connect your wallet and sign the challenge here (link valid 10 minutes):\n%s",
		handle.DeepLink))
}

func (b *Bot) handleUnlink(i *discordgo.InteractionCreate) {
	deleted, err := b.verify.Unlink(context.Background(), i.GuildID, i.Member.User.ID)
	if err != nil {
		logging.Error("unlink failed", zap.Error(err))
		b.reply(i, "Could not unlink your wallet, try again later.")
		return
	}
	if !deleted {
		b.reply(i, "You have no linked wallet in this server.")
		return
	}
	b.reply(i, "Wallet unlinked. Roles granted by holdings rules will be removed shortly.")
}

func (b *Bot) handleGating(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		b.reply(i, "You need the Manage Server permission to configure gating rules.")
		return
	}
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	args := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(sub.Options))
	for _, opt := range sub.Options {
		args[opt.Name] = opt
	}

	ctx := context.Background()
	switch sub.Name {
	case "list":
		b.listRules(ctx, i)
	case "add-token":
		rule, err := buildTokenRule(i, args)
		b.addRule(ctx, i, rule, err)
	case "add-usd":
		rule, err := buildUsdRule(i, args)
		b.addRule(ctx, i, rule, err)
	case "add-nft":
		rule, err := buildNftRule(i, args)
		b.addRule(ctx, i, rule, err)
	case "remove":
		b.removeRule(ctx, i, args["rule"].StringValue())
	case "enable":
		b.toggleRule(ctx, i, args["rule"].StringValue(), true)
	case "disable":
		b.toggleRule(ctx, i, args["rule"].StringValue(), false)
	}
}

func buildTokenRule(i *discordgo.InteractionCreate, args map[string]*discordgo.ApplicationCommandInteractionDataOption) (*models.GatingRule, error) {
	threshold, err := decimal.NewFromString(args["amount"].StringValue())
	if err != nil || threshold.IsNegative() {
		return nil, fmt.Errorf("amount must be a non-negative number")
	}
	mint := args["mint"].StringValue()
	return &models.GatingRule{
		GuildID:         i.GuildID,
		RoleID:          args["role"].RoleValue(nil, "").ID,
		RuleType:        models.RuleTokenAmount,
		Enabled:         true,
		Mint:            &mint,
		ThresholdAmount: &threshold,
		CreatedBy:       i.Member.User.ID,
	}, nil
}

func buildUsdRule(i *discordgo.InteractionCreate, args map[string]*discordgo.ApplicationCommandInteractionDataOption) (*models.GatingRule, error) {
	threshold, err := decimal.NewFromString(args["usd"].StringValue())
	if err != nil || threshold.IsNegative() {
		return nil, fmt.Errorf("usd must be a non-negative number")
	}
	mint := args["mint"].StringValue()
	asset := args["asset"].StringValue()
	source := models.PriceSourceCoinGecko
	return &models.GatingRule{
		GuildID:      i.GuildID,
		RoleID:       args["role"].RoleValue(nil, "").ID,
		RuleType:     models.RuleTokenUsd,
		Enabled:      true,
		Mint:         &mint,
		ThresholdUsd: &threshold,
		PriceSource:  &source,
		PriceAssetID: &asset,
		CreatedBy:    i.Member.User.ID,
	}, nil
}

func buildNftRule(i *discordgo.InteractionCreate, args map[string]*discordgo.ApplicationCommandInteractionDataOption) (*models.GatingRule, error) {
	count := int(args["count"].IntValue())
	if count < 0 {
		return nil, fmt.Errorf("count must be non-negative")
	}
	collection := args["collection"].StringValue()
	return &models.GatingRule{
		GuildID:           i.GuildID,
		RoleID:            args["role"].RoleValue(nil, "").ID,
		RuleType:          models.RuleNftCollection,
		Enabled:           true,
		CollectionAddress: &collection,
		ThresholdCount:    &count,
		CreatedBy:         i.Member.User.ID,
	}, nil
}

func (b *Bot) addRule(ctx context.Context, i *discordgo.InteractionCreate, rule *models.GatingRule, buildErr error) {
	if buildErr != nil {
		b.reply(i, buildErr.Error())
		return
	}
	if err := b.store.EnsureGuild(ctx, i.GuildID); err != nil {
		logging.Error("ensuring guild failed", zap.Error(err))
		b.reply(i, "Could not save the rule, try again later.")
		return
	}
	if err := b.store.CreateRule(ctx, rule); err != nil {
		logging.Error("creating rule failed", zap.Error(err))
		b.reply(i, "Could not save the rule, try again later.")
		return
	}
	b.worker.EnqueueRecheck(i.GuildID, "")
	b.reply(i, fmt.Sprintf("Rule `%s` created for <@&%s>. A server recheck has been queued.", rule.ID, rule.RoleID))
}

func (b *Bot) listRules(ctx context.Context, i *discordgo.InteractionCreate) {
	rules, err := b.store.RulesForGuild(ctx, i.GuildID)
	if err != nil {
		logging.Error("listing rules failed", zap.Error(err))
		b.reply(i, "Could not load rules, try again later.")
		return
	}
	if len(rules) == 0 {
		b.reply(i, "No gating rules configured.")
		return
	}
	var sb strings.Builder
	for _, r := range rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		sb.WriteString(fmt.Sprintf("`%s` <@&%s> %s (%s): %s\n", r.ID, r.RoleID, r.RuleType, state, describeRule(r)))
	}
	b.reply(i, sb.String())
}

func describeRule(r models.GatingRule) string {
	switch r.RuleType {
	case models.RuleTokenAmount:
		return fmt.Sprintf(">= %s of %s", r.ThresholdAmount, *r.Mint)
	case models.RuleTokenUsd:
		return fmt.Sprintf(">= %s USD of %s (priced as %s)", r.ThresholdUsd, *r.Mint, *r.PriceAssetID)
	case models.RuleNftCollection:
		return fmt.Sprintf(">= %d NFTs of collection %s", *r.ThresholdCount, *r.CollectionAddress)
	}
	return ""
}

func (b *Bot) removeRule(ctx context.Context, i *discordgo.InteractionCreate, ruleID string) {
	deleted, err := b.store.DeleteRule(ctx, i.GuildID, ruleID)
	if err != nil {
		logging.Error("deleting rule failed", zap.Error(err))
		b.reply(i, "Could not delete the rule, try again later.")
		return
	}
	if !deleted {
		b.reply(i, "No such rule in this server.")
		return
	}
	b.worker.EnqueueRecheck(i.GuildID, "")
	b.reply(i, "Rule deleted. A server recheck has been queued.")
}

func (b *Bot) toggleRule(ctx context.Context, i *discordgo.InteractionCreate, ruleID string, enabled bool) {
	rule, err := b.store.RuleByID(ctx, i.GuildID, ruleID)
	if err != nil {
		logging.Error("loading rule failed", zap.Error(err))
		b.reply(i, "Could not update the rule, try again later.")
		return
	}
	if rule == nil {
		b.reply(i, "No such rule in this server.")
		return
	}
	rule.Enabled = enabled
	if err := b.store.SaveRule(ctx, rule); err != nil {
		logging.Error("saving rule failed", zap.Error(err))
		b.reply(i, "Could not update the rule, try again later.")
		return
	}
	b.worker.EnqueueRecheck(i.GuildID, "")
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	b.reply(i, fmt.Sprintf("Rule `%s` %s. A server recheck has been queued.", ruleID, state))
}

func (b *Bot) reply(i *discordgo.InteractionCreate, content string) {
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		logging.Error("interaction response failed", zap.Error(err))
	}
}
