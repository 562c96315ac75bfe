package vaultcli

func allCommands() []*Command {
	return []*Command{
		cmdInfo(),
		cmdMkdir(),
		cmdStat(),
		cmdPasswd(),
		cmdShell(),
	}
}
