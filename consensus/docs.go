package consensus

//
//                 first vote at the current epoch, or OpenTopic
//                               |
//                               v
//                         +-----------+
//        CastVote ------> |   Open    | <------ AdvanceEpoch (re-evaluate)
//                         +-----+-----+
//                               |
//        +----------------------+-----------------------+
//        | for >= q*total       | against >= q*total    | epoch > deadline
//        v                      v                       v
//  +-----------+          +-----------+           +-----------+
//  |  Reached  |          |  Failed   |           |  Expired  |
//  +-----------+          +-----------+           +-----------+
//
// Resolver - owns topics and their tallies
//	- EpochState - the epoch in force and its active set, installed by AdvanceEpoch
//	- VoteTally - one per topic, the eligible set is frozen when the topic opens
//	- ParticipationRecorder - the registry, told who voted on Reached/Failed
//	- evsw - engine events for the audit recorder and the arbiter
// Reactor - gossips signed votes and dispute messages, verifies signatures
//	before anything reaches the resolver or the arbiter
