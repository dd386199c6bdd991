package pipeline

import "strings"

// DeriveTags synthesizes tags from Docker labels per spec §4.2:
// com.docker.compose.project -> compose:<p>, com.docker.swarm.service ->
// swarm:<s>, and a dockmon.tag comma list verbatim.
func DeriveTags(labels map[string]string) []string {
	var tags []string
	if p, ok := labels["com.docker.compose.project"]; ok && p != "" {
		tags = append(tags, "compose:"+p)
	}
	if s, ok := labels["com.docker.swarm.service"]; ok && s != "" {
		tags = append(tags, "swarm:"+s)
	}
	if raw, ok := labels["dockmon.tag"]; ok && raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}
