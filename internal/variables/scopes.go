package variables

import (
	"strconv"

	"github.com/buildit/core/internal/model"
)

// SecretProvider is the external collaborator consumed for the "secrets"
// scope (spec §6: "Secret provider: get(key) -> string | NotFound").
type SecretProvider interface {
	Get(key string) (string, bool)
}

// BuildOpts gathers everything needed to construct the standard scope set
// for one stage's command/env expansion.
type BuildOpts struct {
	Pipeline   model.Pipeline
	Run        model.Run
	StageName  string
	StageIndex int
	Env        map[string]string
	Secrets    SecretProvider
	Custom     map[string]string
}

// ShortSHA returns the first 7 characters of a git SHA (spec §4.E:
// "short_sha (first 7 of sha)").
func ShortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}

// StandardScopes builds the resolver scope map defined in spec §4.E: git,
// pipeline, run, stage, env, secrets, custom.
func StandardScopes(opts BuildOpts) map[string]Scope {
	git := opts.Run.Git
	gitScope := MapScope(map[string]string{
		"sha":       git.SHA,
		"short_sha": ShortSHA(git.SHA),
		"branch":    git.Branch,
		"message":   git.Message,
		"author":    git.Author,
	})

	pipelineScope := MapScope(map[string]string{
		"id":   opts.Pipeline.ID,
		"name": opts.Pipeline.Name,
	})

	runScope := MapScope(map[string]string{
		"id":     opts.Run.ID,
		"number": strconv.Itoa(opts.Run.Number),
	})

	stageScope := MapScope(map[string]string{
		"name":  opts.StageName,
		"index": strconv.Itoa(opts.StageIndex),
	})

	scopes := map[string]Scope{
		"git":      gitScope,
		"pipeline": pipelineScope,
		"run":      runScope,
		"stage":    stageScope,
		"env":      MapScope(opts.Env),
		"custom":   MapScope(opts.Custom),
	}

	if opts.Secrets != nil {
		scopes["secrets"] = func(key string) (string, bool) {
			return opts.Secrets.Get(key)
		}
	} else {
		scopes["secrets"] = MapScope(nil)
	}

	return scopes
}
