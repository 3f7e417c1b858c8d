package utils

import "github.com/bwmarrin/discordgo"

// Permission levels
const (
	DeveloperPermission = "developer"
	AdminPermission     = "admin"
	GuestPermission     = "guest"
)

// contains checks if a slice of strings contains an element.
func contains(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}

// CheckPermission returns the highest permission level of the invoking
// member. Moderators need Manage Roles or Administrator in the guild.
func CheckPermission(member *discordgo.Member, developerUserIDs []string) string {
	if member == nil || member.User == nil {
		return GuestPermission
	}
	if contains(developerUserIDs, member.User.ID) {
		return DeveloperPermission
	}
	if member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageRoles) != 0 {
		return AdminPermission
	}
	return GuestPermission
}
