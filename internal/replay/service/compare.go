package service

import (
	"fmt"
	"sort"

	"keel/internal/replay/models"
)

// Compare diffs two replay runs. Evaluations are keyed by
// (signal_id, policy_id); replay evaluations carry exactly one signal,
// so the key is total. A diff where both sides share an input hash is
// flagged as non-determinism, which the caller should treat as a kernel
// defect rather than a policy-change effect.
func Compare(baseline, comparison *models.Result) *models.ComparisonResult {
	baselineByKey := indexEvaluations(baseline)
	comparisonByKey := indexEvaluations(comparison)

	out := &models.ComparisonResult{}
	for key, left := range baselineByKey {
		right, ok := comparisonByKey[key]
		if !ok {
			out.OnlyBaseline = append(out.OnlyBaseline, key)
			continue
		}
		if left.Evaluation.Result == right.Evaluation.Result {
			out.Matches++
			continue
		}
		out.Diffs = append(out.Diffs, models.EvaluationDiff{
			Key:              key,
			BaselineResult:   left.Evaluation.Result,
			ComparisonResult: right.Evaluation.Result,
			BaselineHash:     left.Evaluation.InputHash,
			ComparisonHash:   right.Evaluation.InputHash,
			NonDeterministic: left.Evaluation.InputHash == right.Evaluation.InputHash,
		})
	}
	for key := range comparisonByKey {
		if _, ok := baselineByKey[key]; !ok {
			out.OnlyComparison = append(out.OnlyComparison, key)
		}
	}

	baselinePrints := baseline.ExceptionFingerprints()
	comparisonPrints := comparison.ExceptionFingerprints()
	for print := range comparisonPrints {
		if !baselinePrints[print] {
			out.NewExceptions = append(out.NewExceptions, print)
		}
	}
	for print := range baselinePrints {
		if !comparisonPrints[print] {
			out.ResolvedExceptions = append(out.ResolvedExceptions, print)
		}
	}

	sortComparison(out)
	out.Verdict = verdict(out)
	return out
}

func indexEvaluations(result *models.Result) map[models.DiffKey]models.Evaluation {
	out := make(map[models.DiffKey]models.Evaluation, len(result.Evaluations))
	for _, entry := range result.Evaluations {
		if len(entry.Evaluation.SignalIDs) != 1 {
			continue
		}
		out[models.DiffKey{SignalID: entry.Evaluation.SignalIDs[0], PolicyID: entry.PolicyID}] = entry
	}
	return out
}

func sortComparison(out *models.ComparisonResult) {
	keyLess := func(a, b models.DiffKey) bool {
		if a.SignalID.String() != b.SignalID.String() {
			return a.SignalID.String() < b.SignalID.String()
		}
		return a.PolicyID.String() < b.PolicyID.String()
	}
	sort.Slice(out.Diffs, func(i, j int) bool { return keyLess(out.Diffs[i].Key, out.Diffs[j].Key) })
	sort.Slice(out.OnlyBaseline, func(i, j int) bool { return keyLess(out.OnlyBaseline[i], out.OnlyBaseline[j]) })
	sort.Slice(out.OnlyComparison, func(i, j int) bool { return keyLess(out.OnlyComparison[i], out.OnlyComparison[j]) })
	sort.Strings(out.NewExceptions)
	sort.Strings(out.ResolvedExceptions)
}

func verdict(out *models.ComparisonResult) string {
	if out.NonDeterministic() {
		return fmt.Sprintf("NON-DETERMINISTIC: %d evaluation(s) diverged on identical input hashes", countNonDeterministic(out))
	}
	if len(out.Diffs) == 0 && len(out.OnlyBaseline) == 0 && len(out.OnlyComparison) == 0 &&
		len(out.NewExceptions) == 0 && len(out.ResolvedExceptions) == 0 {
		return fmt.Sprintf("identical: %d evaluation(s) matched", out.Matches)
	}
	return fmt.Sprintf("%d matched, %d differed, %d only in baseline, %d only in comparison, %d new exception(s), %d resolved exception(s)",
		out.Matches, len(out.Diffs), len(out.OnlyBaseline), len(out.OnlyComparison),
		len(out.NewExceptions), len(out.ResolvedExceptions))
}

func countNonDeterministic(out *models.ComparisonResult) int {
	n := 0
	for _, diff := range out.Diffs {
		if diff.NonDeterministic {
			n++
		}
	}
	return n
}
