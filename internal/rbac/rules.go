package rbac

// Default policy of the attempt service.
var RolePermissions = map[string][]string{
	"student": {
		"exam:view",
		"attempt:create",
		"attempt:save",
		"attempt:submit",
		"attempt:view-own",
	},
	"teacher": {
		"exam:create",
		"exam:view",
		"attempt:view-own",
		"attempt:view-all",
		"attempt:grade",
		"events:view",
	},
	"admin": {
		"*", // everything
	},
}
