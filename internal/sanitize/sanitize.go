// Package sanitize rewrites image-generation prompts so that violent or
// traumatic dream imagery is rendered symbolically.
package sanitize

import (
	"regexp"
	"strings"
)

// SymbolicSuffix marks a prompt whose content was deliberately abstracted.
const SymbolicSuffix = ", symbolic representation, artistic interpretation, dreamlike atmosphere"

type rule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

func newRule(name, terms, replacement string) rule {
	return rule{
		name:        name,
		pattern:     regexp.MustCompile(`(?i)\b(?:` + terms + `)\b`),
		replacement: replacement,
	}
}

// rules run in order, each over the output of the previous one. No
// replacement phrase contains a term matched by any rule, so a second pass
// over sanitized text changes nothing.
var rules = []rule{
	newRule("dangerous_bear",
		`(?:grizzly|dangerous|angry|aggressive|attacking|vicious|ferocious|wild) bears?`,
		"powerful majestic bear in natural habitat"),
	newRule("wild_animal_attack",
		`wild animals|wild animal attacks?|animal attacks?|attacked by (?:a |an )?wild animals?|(?:vicious|savage|ferocious|aggressive) (?:wild )?animals?`,
		"wild animal encounter"),
	newRule("predator",
		`predators?|predatory`,
		"guardian animal"),
	newRule("violence",
		`fight(?:s|ing|er|ers)?|fought|combat|violen(?:ce|t)(?: confrontations?)?|confrontations?|attack(?:s|ed|ing)?|assault(?:s|ed|ing)?|kill(?:s|ed|ing|er|ers)?|murder(?:s|ed|ing|er|ers)?|stab(?:s|bed|bing)?|shoot(?:s|ing)?|shot|beat(?:ing)? up`,
		"overcoming challenges"),
	newRule("death",
		`death|deaths|dead|die|dies|died|dying|corpses?|funerals?`,
		"transformation and renewal"),
	newRule("blood",
		`blood(?:y|ied)?|bleed(?:s|ing)?|bled|gore|gory`,
		"life force and vitality"),
	newRule("weapons",
		`weapons?|guns?|knife|knives|swords?|rifles?|pistols?|daggers?|blades?`,
		"tools of protection"),
	newRule("war",
		`wars?|warfare|battlefields?|battles?|conflicts?`,
		"inner struggle"),
	newRule("nightmare",
		`nightmares?|nightmarish|terror|terrifying|terrified|horror|horrifying|horrific`,
		"mysterious and surreal"),
	newRule("demon",
		`demons?|demonic|devils?|devilish|satan|satanic`,
		"shadow figure"),
	newRule("monster",
		`monsters?|monstrous`,
		"mythical being"),
	newRule("injury",
		`injur(?:y|ies|ed)|wounds?|wounded|pain(?:ful)?|hurt(?:s|ing)?`,
		"healing and recovery"),
	newRule("accident",
		`accidents?|crash(?:es|ed|ing)?|collisions?|wreck(?:s|ed|age)?`,
		"unexpected change"),
	newRule("trauma",
		`trauma(?:s|tic|tized)?`,
		"profound emotional experience"),
	newRule("fear",
		`fear(?:s|ed|ful)?|afraid|scared|frightened|panic(?:ked)?`,
		"cautious and alert"),
	newRule("escape",
		`escap(?:e|es|ed|ing)|running away|run away|ran away|flee(?:s|ing)?|fled|chased|chasing`,
		"journey and movement"),
	newRule("trapped",
		`trapped|traps?|imprison(?:ed|ment)?|prisons?|caged|captive|captured|locked up`,
		"seeking freedom"),
}

// symbolicMarkers trigger the suffix when present after rewriting.
var symbolicMarkers = []string{"overcoming challenges", "transformation", "inner struggle"}

// Result is the before/after pair of one rewrite.
type Result struct {
	Original  string
	Sanitized string
	// Rules names the rules that matched, in application order.
	Rules []string
}

// Changed reports whether the prompt was rewritten.
func (r Result) Changed() bool {
	return r.Original != r.Sanitized
}

// Sanitize returns the rewritten prompt. Input without unsafe terms is
// returned unchanged.
func Sanitize(prompt string) string {
	return Rewrite(prompt).Sanitized
}

// Rewrite applies every rule and reports which ones fired.
func Rewrite(prompt string) Result {
	out := prompt
	var fired []string
	for _, r := range rules {
		if !r.pattern.MatchString(out) {
			continue
		}
		out = r.pattern.ReplaceAllLiteralString(out, r.replacement)
		fired = append(fired, r.name)
	}
	if len(fired) > 0 && hasSymbolicMarker(out) && !strings.HasSuffix(out, SymbolicSuffix) {
		out += SymbolicSuffix
	}
	return Result{Original: prompt, Sanitized: out, Rules: fired}
}

func hasSymbolicMarker(s string) bool {
	for _, m := range symbolicMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
