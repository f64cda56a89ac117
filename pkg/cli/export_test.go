package cli

var NewRootCommand = newRootCommand
