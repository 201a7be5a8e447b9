package bot

import (
	"github.com/bwmarrin/discordgo"
)

// Gateway adapts a discordgo session to the role operations the worker
// needs. It prefers the gateway state cache and falls back to REST.
type Gateway struct {
	session *discordgo.Session
}

func NewGateway(session *discordgo.Session) *Gateway {
	return &Gateway{session: session}
}

func (g *Gateway) guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := g.session.State.Guild(guildID); err == nil {
		return guild, nil
	}
	return g.session.Guild(guildID)
}

func (g *Gateway) member(guildID, userID string) (*discordgo.Member, error) {
	if member, err := g.session.State.Member(guildID, userID); err == nil {
		return member, nil
	}
	return g.session.GuildMember(guildID, userID)
}

func (g *Gateway) GuildAvailable(guildID string) bool {
	_, err := g.guild(guildID)
	return err == nil
}

func (g *Gateway) MemberRoles(guildID, userID string) ([]string, error) {
	member, err := g.member(guildID, userID)
	if err != nil {
		return nil, err
	}
	return member.Roles, nil
}

// CanManageRole checks that the bot holds the role-management permission and
// that its highest role ranks strictly above the target.
func (g *Gateway) CanManageRole(guildID, roleID string) bool {
	guild, err := g.guild(guildID)
	if err != nil || g.session.State.User == nil {
		return false
	}
	bot, err := g.member(guildID, g.session.State.User.ID)
	if err != nil {
		return false
	}

	rolesByID := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		rolesByID[role.ID] = role
	}
	target, ok := rolesByID[roleID]
	if !ok {
		return false
	}

	var perms int64
	topPosition := -1
	if everyone, ok := rolesByID[guildID]; ok {
		perms |= everyone.Permissions
	}
	for _, id := range bot.Roles {
		role, ok := rolesByID[id]
		if !ok {
			continue
		}
		perms |= role.Permissions
		if role.Position > topPosition {
			topPosition = role.Position
		}
	}

	if perms&discordgo.PermissionAdministrator == 0 && perms&discordgo.PermissionManageRoles == 0 {
		return false
	}
	return topPosition > target.Position
}

func (g *Gateway) AddRole(guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (g *Gateway) RemoveRole(guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleRemove(guildID, userID, roleID)
}
